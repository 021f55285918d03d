// Package gateway fronts the registered completion providers with a selection
// strategy, per-provider circuit breakers and in-call failover.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/flowgate/internal/agent"
	"github.com/haasonsaas/flowgate/internal/agent/providers"
	"github.com/haasonsaas/flowgate/internal/catalog"
	"github.com/haasonsaas/flowgate/internal/infra"
	"github.com/haasonsaas/flowgate/internal/observability"
	"github.com/haasonsaas/flowgate/pkg/models"
)

var (
	// ErrProvidersExhausted is returned when no provider could serve a call.
	// The gateway never retries it.
	ErrProvidersExhausted = &Error{code: "providers_exhausted", msg: "all providers exhausted"}

	// ErrUnknownProvider is returned for provider IDs that were never registered.
	ErrUnknownProvider = &Error{code: "unknown_provider", msg: "unknown provider"}
)

// Error is a gateway failure with a stable code.
type Error struct {
	code string
	msg  string
}

func (e *Error) Error() string { return "gateway: " + e.msg }

// ErrorCode returns the stable code of the failure.
func (e *Error) ErrorCode() string { return e.code }

const (
	defaultCallTimeout  = 60 * time.Second
	latencySmoothing    = 0.2
	defaultProbeTimeout = 10 * time.Second
)

// Config configures a Gateway.
type Config struct {
	Strategy Strategy

	// FailureThreshold is the number of consecutive failures that opens a
	// provider's circuit. Defaults to 5.
	FailureThreshold int

	// ResetTimeout is how long an open circuit waits before a trial call.
	// Defaults to 30s.
	ResetTimeout time.Duration

	// CallTimeout bounds a provider call when the request sets none.
	CallTimeout time.Duration

	// Catalog prices models for least_cost and descriptors.
	Catalog *catalog.Catalog

	Metrics *observability.Metrics
	Logger  *slog.Logger

	// Now overrides the breaker clock.
	Now func() time.Time
}

// Registration adds a provider instance to the gateway.
type Registration struct {
	Provider agent.Provider

	// Priority ranks the provider for the priority strategy (lower first).
	Priority int

	// MaxTokens is the provider's output cap, reported in its descriptor.
	MaxTokens int
}

// Gateway routes completion calls across providers. It is safe for
// concurrent use; the circuit breaker registry is the only state shared
// between calls.
type Gateway struct {
	strategy    Strategy
	callTimeout time.Duration
	catalog     *catalog.Catalog
	metrics     *observability.Metrics
	logger      *slog.Logger
	breakers    *infra.Breakers

	mu      sync.RWMutex
	entries []*entry
	byID    map[string]*entry

	rrIndex atomic.Uint64
}

type entry struct {
	id           string
	provider     agent.Provider
	priority     int
	maxTokens    int
	defaultModel string
	stats        providerStats
}

// defaultModeler is implemented by providers built on providers.BaseProvider.
type defaultModeler interface {
	DefaultModel() string
}

// New creates a gateway with no providers.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyPriority
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	cat := cfg.Catalog
	if cat == nil {
		cat = catalog.New()
	}

	g := &Gateway{
		strategy:    strategy,
		callTimeout: callTimeout,
		catalog:     cat,
		metrics:     cfg.Metrics,
		logger:      logger,
		byID:        make(map[string]*entry),
	}
	g.breakers = infra.NewBreakers(infra.BreakerConfig{
		Threshold:    cfg.FailureThreshold,
		ResetTimeout: cfg.ResetTimeout,
		Now:          cfg.Now,
		OnTransition: g.onStateChange,
	})
	return g
}

func (g *Gateway) onStateChange(name string, from, to models.CircuitState) {
	level := slog.LevelInfo
	if to == models.CircuitOpen {
		level = slog.LevelWarn
	}
	g.logger.Log(context.Background(), level, "provider circuit state changed",
		"provider", name,
		"from", from,
		"to", to,
	)
	g.metrics.SetCircuitState(name, string(to))
}

// Register adds a provider. IDs are case-insensitive and must be unique.
func (g *Gateway) Register(reg Registration) error {
	if reg.Provider == nil {
		return errors.New("gateway: provider is required")
	}
	id := normalizeID(reg.Provider.Name())
	if id == "" {
		return errors.New("gateway: provider name is required")
	}

	e := &entry{
		id:        id,
		provider:  reg.Provider,
		priority:  reg.Priority,
		maxTokens: reg.MaxTokens,
	}
	if dm, ok := reg.Provider.(defaultModeler); ok {
		e.defaultModel = dm.DefaultModel()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.byID[id]; exists {
		return fmt.Errorf("gateway: provider %q already registered", id)
	}
	g.entries = append(g.entries, e)
	g.byID[id] = e

	g.breakers.Get(id)
	g.metrics.SetCircuitState(id, string(models.CircuitClosed))
	return nil
}

// Providers returns registered provider IDs in registration order.
func (g *Gateway) Providers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, len(g.entries))
	for i, e := range g.entries {
		ids[i] = e.id
	}
	return ids
}

// Strategy returns the configured selection strategy.
func (g *Gateway) Strategy() Strategy {
	return g.strategy
}

// Complete runs a completion. req.Provider pins a provider and req.Timeout
// bounds each attempt. A pinned provider that is unknown or has an open
// circuit is skipped in favor of the strategy; provider failures fail over to
// the next healthy candidate, each tried at most once. Errors the request
// itself caused (invalid request, content filter) are returned immediately.
func (g *Gateway) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	if req == nil {
		return nil, errors.New("gateway: request is required")
	}

	pinned := normalizeID(req.Provider)
	candidates, pinnedKnown := g.candidates(pinned, nil)
	if len(candidates) == 0 {
		g.metrics.RecordError("gateway", "providers_exhausted")
		return nil, g.exhausted(ErrProvidersExhausted, pinned, pinnedKnown)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.callTimeout
	}

	resp, served, err := attempt(ctx, g, "complete", candidates, timeout, func(callCtx context.Context, e *entry) (*agent.CompletionResponse, error) {
		started := time.Now()
		resp, err := e.provider.Complete(callCtx, req)
		model := req.Model
		if model == "" {
			model = e.defaultModel
		}
		if err != nil {
			g.metrics.RecordLLMRequest(e.id, model, "error", time.Since(started).Seconds(), 0, 0)
			return nil, err
		}
		if resp == nil {
			return nil, providers.NewProviderError(e.id, model, errors.New("empty response"))
		}
		if resp.Model != "" {
			model = resp.Model
		}
		g.metrics.RecordLLMRequest(e.id, model, "success", time.Since(started).Seconds(), resp.Usage.InputTokens, resp.Usage.OutputTokens)
		g.metrics.RecordLLMCost(e.id, model, resp.Cost)
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, ErrProvidersExhausted) {
			err = g.exhausted(err, pinned, pinnedKnown)
			g.metrics.RecordError("gateway", "providers_exhausted")
		} else {
			g.metrics.RecordError("gateway", string(providers.ClassifyError(err)))
		}
		return nil, err
	}

	resp.RequestedProvider = pinned
	resp.Provider = served.id

	first := pinned
	if first == "" {
		first = candidates[0].id
	}
	if served.id != first {
		g.metrics.RecordFailover(first, served.id)
	}
	if pinned != "" && served.id != pinned {
		g.logger.Warn("requested provider downgraded",
			"requested", pinned,
			"provider", served.id,
			"model", resp.Model,
		)
	}
	return resp, nil
}

// Embeddings embeds text with the first healthy provider that supports it.
func (g *Gateway) Embeddings(ctx context.Context, text string) (*agent.EmbeddingResponse, error) {
	candidates, _ := g.candidates("", func(e *entry) bool {
		_, ok := e.provider.(agent.Embedder)
		return ok && e.provider.Capabilities().Embeddings
	})
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no embedding provider available", ErrProvidersExhausted)
	}

	resp, served, err := attempt(ctx, g, "embed", candidates, g.callTimeout, func(callCtx context.Context, e *entry) (*agent.EmbeddingResponse, error) {
		return e.provider.(agent.Embedder).Embed(callCtx, text)
	})
	if err != nil {
		return nil, err
	}
	if resp.Provider == "" {
		resp.Provider = served.id
	}
	g.metrics.RecordLLMCost(served.id, resp.Model, resp.Cost)
	return resp, nil
}

// attempt calls candidates in order until one succeeds. Every admitted call
// is settled on the provider's breaker exactly once.
func attempt[T any](ctx context.Context, g *Gateway, op string, candidates []*entry, timeout time.Duration, call func(context.Context, *entry) (T, error)) (T, *entry, error) {
	var zero T
	var lastErr error

	for _, e := range candidates {
		if err := ctx.Err(); err != nil {
			return zero, nil, err
		}

		permit, err := g.breakers.Get(e.id).Acquire()
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", e.id, err)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		started := time.Now()
		result, err := call(callCtx, e)
		elapsed := time.Since(started)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			permit.Record(nil)
			e.stats.recordSuccess(elapsed)
			return result, e, nil
		}

		if ctx.Err() != nil {
			// The caller gave up; that says nothing about the provider.
			permit.Release()
			return zero, nil, fmt.Errorf("gateway %s: %w", op, ctx.Err())
		}
		if timedOut && providers.ClassifyError(err) != providers.FailoverTimeout {
			err = providers.NewProviderError(e.id, "", fmt.Errorf("%w after %s: %v", context.DeadlineExceeded, timeout, err))
		}

		if !providers.ShouldFailover(err) {
			permit.Release()
			e.stats.recordError(err)
			g.logger.Warn("provider rejected request",
				"provider", e.id,
				"op", op,
				"reason", providers.ClassifyError(err),
				"error", err,
			)
			return zero, e, err
		}

		permit.Record(err)
		e.stats.recordFailure(err)
		lastErr = err
		g.logger.Warn("provider call failed, trying next candidate",
			"provider", e.id,
			"op", op,
			"reason", providers.ClassifyError(err),
			"latency", elapsed,
			"error", err,
		)
	}

	if lastErr == nil {
		return zero, nil, ErrProvidersExhausted
	}
	return zero, nil, fmt.Errorf("%w: %w", ErrProvidersExhausted, lastErr)
}

// candidates returns the providers to try, in order. A known, available
// pinned provider goes first; the rest follow the strategy. Open circuits are
// left out.
func (g *Gateway) candidates(pinned string, filter func(*entry) bool) ([]*entry, bool) {
	g.mu.RLock()
	all := make([]*entry, len(g.entries))
	copy(all, g.entries)
	g.mu.RUnlock()

	var pinnedEntry *entry
	rest := make([]*entry, 0, len(all))
	for _, e := range all {
		if filter != nil && !filter(e) {
			continue
		}
		if pinned != "" && e.id == pinned {
			pinnedEntry = e
			continue
		}
		if !g.breakers.Get(e.id).Available() {
			continue
		}
		rest = append(rest, e)
	}
	rest = g.order(rest)

	if pinned == "" {
		return rest, false
	}
	if pinnedEntry == nil {
		g.logger.Warn("requested provider not registered, using strategy",
			"requested", pinned,
			"strategy", g.strategy,
		)
		return rest, false
	}
	if breaker := g.breakers.Get(pinned); !breaker.Available() {
		g.logger.Warn("requested provider unavailable, using strategy",
			"requested", pinned,
			"state", breaker.State(),
			"strategy", g.strategy,
		)
		return rest, true
	}
	return append([]*entry{pinnedEntry}, rest...), true
}

// exhausted annotates an exhaustion error with an unknown pinned provider.
func (g *Gateway) exhausted(err error, pinned string, pinnedKnown bool) error {
	if pinned != "" && !pinnedKnown {
		return fmt.Errorf("%w (requested %q: %w)", err, pinned, ErrUnknownProvider)
	}
	return err
}

// Health returns a snapshot of every provider in registration order.
func (g *Gateway) Health() []models.ProviderHealth {
	g.mu.RLock()
	entries := make([]*entry, len(g.entries))
	copy(entries, g.entries)
	g.mu.RUnlock()

	out := make([]models.ProviderHealth, 0, len(entries))
	for _, e := range entries {
		out = append(out, g.health(e))
	}
	return out
}

func (g *Gateway) health(e *entry) models.ProviderHealth {
	cb := g.breakers.Get(e.id).Snapshot()
	snap := e.stats.snapshot()
	return models.ProviderHealth{
		Provider:    e.id,
		Healthy:     cb.State == models.CircuitClosed,
		LastChecked: snap.lastChecked,
		ErrorCount:  cb.ConsecutiveFailures,
		State:       cb.State,
		OpenSince:   cb.OpenSince,
		AvgLatency:  snap.avgLatency,
		Requests:    snap.requests,
	}
}

// Provider describes a registered provider.
func (g *Gateway) Provider(id string) (models.ProviderDescriptor, bool) {
	g.mu.RLock()
	e, ok := g.byID[normalizeID(id)]
	g.mu.RUnlock()
	if !ok {
		return models.ProviderDescriptor{}, false
	}

	kind := e.provider.Kind()
	desc := models.ProviderDescriptor{
		ID:           e.id,
		Kind:         kind,
		Capabilities: e.provider.Capabilities(),
		DefaultModel: e.defaultModel,
		MaxTokens:    e.maxTokens,
		Priority:     e.priority,
		Local:        kind.Local(),
		Health:       g.health(e),
	}
	if !kind.Local() {
		desc.Pricing = g.catalog.Pricing(kind)
	}
	return desc, true
}

// Reset closes a provider's circuit.
func (g *Gateway) Reset(id string) error {
	id = normalizeID(id)
	g.mu.RLock()
	_, ok := g.byID[id]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	g.breakers.Get(id).Reset()
	return nil
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// providerStats accumulates call outcomes for one provider.
type providerStats struct {
	mu          sync.Mutex
	requests    int64
	failures    int64
	avg         time.Duration
	lastChecked time.Time
	lastErr     error
}

type statsSnapshot struct {
	requests    int64
	failures    int64
	avgLatency  time.Duration
	lastChecked time.Time
	lastErr     error
}

func (s *providerStats) recordSuccess(latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	if s.avg == 0 {
		s.avg = latency
	} else {
		s.avg = time.Duration(latencySmoothing*float64(latency) + (1-latencySmoothing)*float64(s.avg))
	}
	s.lastChecked = time.Now()
	s.lastErr = nil
}

func (s *providerStats) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	s.failures++
	s.lastChecked = time.Now()
	s.lastErr = err
}

// recordError counts a request-side failure that does not reflect on health.
func (s *providerStats) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	s.lastErr = err
}

func (s *providerStats) recordProbe(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastChecked = time.Now()
	s.lastErr = err
}

func (s *providerStats) avgLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avg
}

func (s *providerStats) snapshot() statsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return statsSnapshot{
		requests:    s.requests,
		failures:    s.failures,
		avgLatency:  s.avg,
		lastChecked: s.lastChecked,
		lastErr:     s.lastErr,
	}
}
