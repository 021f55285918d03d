package routing

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/haasonsaas/flowgate/internal/conditions"
	"github.com/haasonsaas/flowgate/pkg/models"
)

// Rule is a static routing rule. Weight is a weight, not a rank: higher
// weights are evaluated first, ties keep insertion order.
type Rule struct {
	Name         string
	Weight       int
	Conditions   models.ConditionSet
	Target       Target
	Params       models.GenerationParams
	EnabledTools *[]string
}

// Target defines the destination provider and model.
type Target struct {
	Provider string
	Model    string
}

// StaticConfig configures a StaticRouter.
type StaticConfig struct {
	Rules   []Rule
	Default Target
	// DefaultParams apply when the default target is used.
	DefaultParams models.GenerationParams
}

// StaticRouter routes against an in-memory rule list. Rules can be replaced at
// runtime with SetRules; in-flight Route calls keep the snapshot they started
// with.
type StaticRouter struct {
	matcher       *conditions.Matcher
	logger        *slog.Logger
	rules         atomic.Pointer[[]Rule]
	defaultTarget Target
	defaultParams models.GenerationParams
}

// NewStaticRouter creates a StaticRouter.
func NewStaticRouter(cfg StaticConfig, matcher *conditions.Matcher, logger *slog.Logger) *StaticRouter {
	if matcher == nil {
		matcher = conditions.NewMatcher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &StaticRouter{
		matcher: matcher,
		logger:  logger,
		defaultTarget: Target{
			Provider: normalizeID(cfg.Default.Provider),
			Model:    cfg.Default.Model,
		},
		defaultParams: cfg.DefaultParams,
	}
	r.SetRules(cfg.Rules)
	return r
}

// SetRules replaces the rule list. Rules are sorted once here.
func (r *StaticRouter) SetRules(rules []Rule) {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Weight > sorted[j].Weight
	})
	r.rules.Store(&sorted)
}

// Rules returns the current rules in evaluation order.
func (r *StaticRouter) Rules() []Rule {
	current := r.rules.Load()
	out := make([]Rule, len(*current))
	copy(out, *current)
	return out
}

// Route returns the first matching rule's target, or the default target.
func (r *StaticRouter) Route(_ context.Context, msg *models.IncomingMessage) (*models.RoutingDecision, error) {
	if msg == nil {
		return nil, errInvalidRequest("message is nil")
	}

	for _, rule := range *r.rules.Load() {
		if r.matcher.Matches(msg, rule.Conditions) {
			return &models.RoutingDecision{
				Provider:      normalizeID(rule.Target.Provider),
				Model:         rule.Target.Model,
				Params:        rule.Params,
				ToolAllowList: models.CopyAllowList(rule.EnabledTools),
				Matched:       true,
				Mode:          models.RoutingModeStatic,
				RuleName:      rule.Name,
			}, nil
		}
	}

	if r.defaultTarget.Provider == "" {
		return nil, ErrNoRoute
	}
	r.logger.Debug("no static rule matched; using default target",
		"provider", r.defaultTarget.Provider,
		"model", r.defaultTarget.Model)
	return &models.RoutingDecision{
		Provider: r.defaultTarget.Provider,
		Model:    r.defaultTarget.Model,
		Params:   r.defaultParams,
		Matched:  false,
		Mode:     models.RoutingModeStatic,
	}, nil
}
