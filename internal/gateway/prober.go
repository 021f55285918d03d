package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/flowgate/internal/agent"
	"github.com/haasonsaas/flowgate/pkg/models"
)

// scheduleParser accepts 5- or 6-field cron expressions and descriptors such
// as "@every 30s".
var scheduleParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ProbeResult is the outcome of pinging one provider.
type ProbeResult struct {
	Provider string        `json:"provider"`
	Healthy  bool          `json:"healthy"`
	Skipped  bool          `json:"skipped,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Latency  time.Duration `json:"latency"`
	Error    string        `json:"error,omitempty"`
}

// Probe pings one provider. Providers without a ping endpoint, or whose
// circuit is open and still cooling down, are skipped. A probe admitted by the
// breaker settles it like a regular call, so a successful probe can close a
// half-open circuit.
func (g *Gateway) Probe(ctx context.Context, id string) (ProbeResult, error) {
	id = normalizeID(id)
	g.mu.RLock()
	e, ok := g.byID[id]
	g.mu.RUnlock()
	if !ok {
		return ProbeResult{}, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return g.probe(ctx, e, defaultProbeTimeout), nil
}

// ProbeAll pings every registered provider sequentially.
func (g *Gateway) ProbeAll(ctx context.Context, timeout time.Duration) []ProbeResult {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	g.mu.RLock()
	entries := make([]*entry, len(g.entries))
	copy(entries, g.entries)
	g.mu.RUnlock()

	results := make([]ProbeResult, 0, len(entries))
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		results = append(results, g.probe(ctx, e, timeout))
	}
	return results
}

func (g *Gateway) probe(ctx context.Context, e *entry, timeout time.Duration) ProbeResult {
	result := ProbeResult{Provider: e.id}

	pinger, ok := e.provider.(agent.Pinger)
	if !ok {
		result.Skipped = true
		result.Reason = "no ping endpoint"
		result.Healthy = g.breakers.Get(e.id).State() != models.CircuitOpen
		return result
	}

	permit, err := g.breakers.Get(e.id).Acquire()
	if err != nil {
		result.Skipped = true
		result.Reason = "circuit open"
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	started := time.Now()
	err = pinger.Ping(callCtx)
	result.Latency = time.Since(started)
	cancel()

	if err != nil && ctx.Err() != nil {
		permit.Release()
		result.Skipped = true
		result.Reason = "canceled"
		return result
	}

	permit.Record(err)
	e.stats.recordProbe(err)
	if err != nil {
		result.Error = err.Error()
		g.logger.Warn("provider probe failed", "provider", e.id, "error", err)
		return result
	}
	result.Healthy = true
	return result
}

// ValidateSchedule reports whether expr is a schedule the prober accepts.
func ValidateSchedule(expr string) error {
	if _, err := scheduleParser.Parse(strings.TrimSpace(expr)); err != nil {
		return fmt.Errorf("invalid health check schedule %q: %w", expr, err)
	}
	return nil
}

// ProberConfig configures periodic health probes.
type ProberConfig struct {
	// Schedule is a cron expression or descriptor. Defaults to "@every 30s".
	Schedule string

	// Timeout bounds each ping. Defaults to 10s.
	Timeout time.Duration

	Logger *slog.Logger
}

// Prober runs Gateway.ProbeAll on a cron schedule.
type Prober struct {
	gateway *Gateway
	timeout time.Duration
	logger  *slog.Logger
	cron    *cron.Cron
}

// NewProber validates the schedule and prepares a prober. Call Start to run it.
func NewProber(g *Gateway, cfg ProberConfig) (*Prober, error) {
	if g == nil {
		return nil, errors.New("gateway is required")
	}
	schedule := strings.TrimSpace(cfg.Schedule)
	if schedule == "" {
		schedule = "@every 30s"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Prober{
		gateway: g,
		timeout: cfg.Timeout,
		logger:  logger.With("component", "health_prober"),
		cron: cron.New(
			cron.WithParser(scheduleParser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}
	if _, err := p.cron.AddFunc(schedule, p.run); err != nil {
		return nil, fmt.Errorf("invalid health check schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Start begins probing in the background.
func (p *Prober) Start() {
	p.cron.Start()
	p.logger.Info("health prober started", "providers", len(p.gateway.Providers()))
}

// Stop stops scheduling and waits for a running probe or ctx.
func (p *Prober) Stop(ctx context.Context) error {
	done := p.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Prober) run() {
	ctx := context.Background()
	unhealthy := 0
	for _, r := range p.gateway.ProbeAll(ctx, p.timeout) {
		if !r.Healthy && !r.Skipped {
			unhealthy++
		}
	}
	p.logger.Debug("health probe completed", "unhealthy", unhealthy)
}
