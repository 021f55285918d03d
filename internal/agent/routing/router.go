package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/haasonsaas/flowgate/internal/conditions"
	"github.com/haasonsaas/flowgate/pkg/models"
)

// ErrNoRoute is returned when there is no candidate policy or default for a
// message. It is terminal and not retryable.
var ErrNoRoute = &RoutingError{Code: "no_route", Message: "no route"}

// RoutingError is a routing failure. None are retryable.
type RoutingError struct {
	Code    string
	Message string
	Cause   error
}

func (e *RoutingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("routing: %s: %v", e.Message, e.Cause)
	}
	return "routing: " + e.Message
}

func (e *RoutingError) Unwrap() error { return e.Cause }

// ErrorCode returns the stable code of the failure.
func (e *RoutingError) ErrorCode() string { return e.Code }

// Router selects a routing decision for a message. Dynamic and static routing
// both implement it so callers do not need to know which is active.
type Router interface {
	Route(ctx context.Context, msg *models.IncomingMessage) (*models.RoutingDecision, error)
}

// PolicyStore lists the active policies for a channel, ordered by priority.
type PolicyStore interface {
	ListActivePolicies(ctx context.Context, channel models.ChannelType, instanceID string) ([]models.RoutingPolicy, error)
}

// Engine applies condition matching and tie-breaking to a candidate list.
type Engine struct {
	matcher *conditions.Matcher
	logger  *slog.Logger
}

// NewEngine creates an Engine. A nil matcher uses conditions.NewMatcher().
func NewEngine(matcher *conditions.Matcher, logger *slog.Logger) *Engine {
	if matcher == nil {
		matcher = conditions.NewMatcher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{matcher: matcher, logger: logger}
}

// Route returns a decision for the first candidate, in ascending priority
// order, whose conditions match msg. When nothing matches, the first candidate
// in priority order is used with Matched=false. An empty candidate list
// returns ErrNoRoute.
func (e *Engine) Route(msg *models.IncomingMessage, candidates []models.RoutingPolicy) (*models.RoutingDecision, error) {
	if msg == nil {
		return nil, errInvalidRequest("message is nil")
	}
	if len(candidates) == 0 {
		return nil, ErrNoRoute
	}

	ordered := make([]models.RoutingPolicy, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	for i := range ordered {
		if e.matcher.Matches(msg, ordered[i].Conditions) {
			return decisionFromPolicy(ordered[i], true), nil
		}
	}

	fallback := ordered[0]
	e.logger.Warn("no policy conditions matched; using default assignment",
		"policy", fallback.ID,
		"channel", msg.Channel,
		"candidates", len(ordered))
	return decisionFromPolicy(fallback, false), nil
}

func decisionFromPolicy(p models.RoutingPolicy, matched bool) *models.RoutingDecision {
	policy := p
	policy.EnabledTools = models.CopyAllowList(p.EnabledTools)
	return &models.RoutingDecision{
		Policy:        &policy,
		Provider:      normalizeID(p.Provider),
		Model:         p.Model,
		Params:        p.Params,
		ToolAllowList: models.CopyAllowList(p.EnabledTools),
		Matched:       matched,
		Mode:          models.RoutingModeDynamic,
	}
}

// DynamicRouter routes against policies fetched from a PolicyStore.
type DynamicRouter struct {
	store  PolicyStore
	engine *Engine

	defaultTarget Target
	defaultParams models.GenerationParams
}

// NewDynamicRouter creates a router backed by store.
func NewDynamicRouter(store PolicyStore, engine *Engine) *DynamicRouter {
	if engine == nil {
		engine = NewEngine(nil, nil)
	}
	return &DynamicRouter{store: store, engine: engine}
}

// WithDefault sets the target used when a channel has no active policies at
// all. Without one such messages fail with ErrNoRoute.
func (r *DynamicRouter) WithDefault(target Target, params models.GenerationParams) *DynamicRouter {
	r.defaultTarget = Target{Provider: normalizeID(target.Provider), Model: target.Model}
	r.defaultParams = params
	return r
}

// Route loads the channel's active policies and selects one.
func (r *DynamicRouter) Route(ctx context.Context, msg *models.IncomingMessage) (*models.RoutingDecision, error) {
	if msg == nil {
		return nil, errInvalidRequest("message is nil")
	}
	if r.store == nil {
		return nil, errInvalidRequest("no policy store configured")
	}
	policies, err := r.store.ListActivePolicies(ctx, msg.Channel, msg.ChannelInstanceID)
	if err != nil {
		return nil, &RoutingError{Code: "policy_store", Message: "list policies", Cause: err}
	}
	if len(policies) == 0 && r.defaultTarget.Provider != "" {
		r.engine.logger.Warn("no active policies for channel; using default target",
			"channel", msg.Channel,
			"instance", msg.ChannelInstanceID,
			"provider", r.defaultTarget.Provider)
		return &models.RoutingDecision{
			Provider: r.defaultTarget.Provider,
			Model:    r.defaultTarget.Model,
			Params:   r.defaultParams,
			Matched:  false,
			Mode:     models.RoutingModeDynamic,
		}, nil
	}
	return r.engine.Route(msg, policies)
}

func normalizeID(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func errInvalidRequest(msg string) error {
	return &RoutingError{Code: "invalid_message", Message: msg}
}
