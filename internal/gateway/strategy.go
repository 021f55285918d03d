package gateway

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Strategy selects the order in which healthy providers are tried.
type Strategy string

const (
	// StrategyPriority tries providers by ascending configured priority.
	StrategyPriority Strategy = "priority"

	// StrategyRoundRobin rotates the starting provider on every call.
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyLeastLatency prefers the lowest observed average latency.
	// Providers without samples go first so they get measured.
	StrategyLeastLatency Strategy = "least_latency"

	// StrategyLeastCost prefers the cheapest default model. Local providers
	// are free; unpriced models go last.
	StrategyLeastCost Strategy = "least_cost"
)

// ParseStrategy parses a strategy name. Empty defaults to priority.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyPriority:
		return StrategyPriority, nil
	case StrategyRoundRobin, "round-robin", "roundrobin":
		return StrategyRoundRobin, nil
	case StrategyLeastLatency, "least-latency", "latency":
		return StrategyLeastLatency, nil
	case StrategyLeastCost, "least-cost", "cost":
		return StrategyLeastCost, nil
	default:
		return "", fmt.Errorf("unknown gateway strategy %q", s)
	}
}

// order arranges entries for one call. entries arrive in registration order
// and are sorted in place; ties keep registration order.
func (g *Gateway) order(entries []*entry) []*entry {
	if len(entries) < 2 {
		return entries
	}

	switch g.strategy {
	case StrategyRoundRobin:
		start := int((g.rrIndex.Add(1) - 1) % uint64(len(entries)))
		rotated := make([]*entry, 0, len(entries))
		rotated = append(rotated, entries[start:]...)
		rotated = append(rotated, entries[:start]...)
		return rotated

	case StrategyLeastLatency:
		latency := make(map[*entry]float64, len(entries))
		for _, e := range entries {
			latency[e] = float64(e.stats.avgLatency())
		}
		sort.SliceStable(entries, func(i, j int) bool {
			if latency[entries[i]] != latency[entries[j]] {
				return latency[entries[i]] < latency[entries[j]]
			}
			return entries[i].priority < entries[j].priority
		})
		return entries

	case StrategyLeastCost:
		cost := make(map[*entry]float64, len(entries))
		for _, e := range entries {
			cost[e] = g.unitCost(e)
		}
		sort.SliceStable(entries, func(i, j int) bool {
			if cost[entries[i]] != cost[entries[j]] {
				return cost[entries[i]] < cost[entries[j]]
			}
			return entries[i].priority < entries[j].priority
		})
		return entries

	default:
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].priority < entries[j].priority
		})
		return entries
	}
}

// unitCost is the blended per-million-token price of an entry's default model.
func (g *Gateway) unitCost(e *entry) float64 {
	kind := e.provider.Kind()
	if kind.Local() {
		return 0
	}
	model, ok := g.catalog.Get(kind, e.defaultModel)
	if !ok {
		return math.Inf(1)
	}
	return model.InputPrice + model.OutputPrice
}
