package policies

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/flowgate/pkg/models"
)

// MemoryStore serves a fixed policy set. The file loader and tests use it.
type MemoryStore struct {
	mu       sync.RWMutex
	policies []models.RoutingPolicy
}

// NewMemoryStore creates a store holding policies.
func NewMemoryStore(policies []models.RoutingPolicy) *MemoryStore {
	s := &MemoryStore{}
	s.Replace(policies)
	return s
}

// Replace swaps the policy set atomically.
func (s *MemoryStore) Replace(policies []models.RoutingPolicy) {
	cp := make([]models.RoutingPolicy, len(policies))
	copy(cp, policies)
	s.mu.Lock()
	s.policies = cp
	s.mu.Unlock()
}

// All returns every policy, active or not.
func (s *MemoryStore) All() []models.RoutingPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.RoutingPolicy, len(s.policies))
	copy(out, s.policies)
	return out
}

// ListActivePolicies returns the active policies bound to channel and
// instanceID. When none are bound to the instance, the channel-wide and
// global policies are returned instead.
func (s *MemoryStore) ListActivePolicies(ctx context.Context, channel models.ChannelType, instanceID string) ([]models.RoutingPolicy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	instanceID = strings.TrimSpace(instanceID)
	if instanceID != "" {
		scoped := filter(s.policies, func(p models.RoutingPolicy) bool {
			return p.Channel == channel && p.ChannelInstanceID == instanceID
		})
		if len(scoped) > 0 {
			return scoped, nil
		}
	}
	return filter(s.policies, func(p models.RoutingPolicy) bool {
		return p.ChannelInstanceID == "" && (p.Channel == channel || p.Channel == "")
	}), nil
}

func filter(policies []models.RoutingPolicy, keep func(models.RoutingPolicy) bool) []models.RoutingPolicy {
	out := make([]models.RoutingPolicy, 0, len(policies))
	for _, p := range policies {
		if p.Active && keep(p) {
			out = append(out, p)
		}
	}
	sortByPriority(out)
	return out
}

func sortByPriority(policies []models.RoutingPolicy) {
	sort.SliceStable(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority < policies[j].Priority
		}
		return policies[i].ID < policies[j].ID
	})
}
