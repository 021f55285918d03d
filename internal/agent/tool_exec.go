package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/flowgate/internal/observability"
	"github.com/haasonsaas/flowgate/pkg/models"
)

const (
	// DefaultMaxToolExecutions caps tool calls executed per completion.
	DefaultMaxToolExecutions = 5

	// DefaultToolTimeout bounds a single tool call.
	DefaultToolTimeout = 30 * time.Second
)

// ToolCoordinatorConfig configures tool execution.
type ToolCoordinatorConfig struct {
	// MaxToolExecutions is the maximum number of calls executed per response.
	// Extra calls are dropped. Default: 5.
	MaxToolExecutions int

	// ToolTimeout is the timeout for individual tool executions.
	// Default: 30 seconds.
	ToolTimeout time.Duration

	// ResultGuard redacts and truncates output before it is recorded.
	ResultGuard ToolResultGuard

	// Tracer, when set, gets one span per executed call.
	Tracer *observability.Tracer
}

// ToolCoordinator executes the tool calls requested by a completion, records
// each outcome into session history, and never lets a tool failure escape as
// an error.
type ToolCoordinator struct {
	registry ToolRegistry
	store    ContextStore
	config   ToolCoordinatorConfig
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewToolCoordinator creates a coordinator. Default values are applied if
// config fields are zero. store may be nil, in which case records are only
// returned.
func NewToolCoordinator(registry ToolRegistry, store ContextStore, config ToolCoordinatorConfig, logger *slog.Logger, metrics *observability.Metrics) *ToolCoordinator {
	if config.MaxToolExecutions <= 0 {
		config.MaxToolExecutions = DefaultMaxToolExecutions
	}
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = DefaultToolTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolCoordinator{
		registry: registry,
		store:    store,
		config:   config,
		logger:   logger.With("component", "tool_coordinator"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// ExecuteAll runs calls one at a time in the order the provider returned them
// and returns one record per executed call, in the same order.
//
// Calls beyond MaxToolExecutions are dropped. Cancellation of ctx stops
// further calls; records already produced are kept and returned.
func (c *ToolCoordinator) ExecuteAll(ctx context.Context, calls []models.ToolCall, execCtx ToolExecContext) []models.ToolExecutionRecord {
	if len(calls) > c.config.MaxToolExecutions {
		dropped := make([]string, 0, len(calls)-c.config.MaxToolExecutions)
		for _, call := range calls[c.config.MaxToolExecutions:] {
			dropped = append(dropped, call.Name)
		}
		c.logger.Warn("tool calls exceed limit, dropping extra calls",
			"requested", len(calls),
			"limit", c.config.MaxToolExecutions,
			"dropped", dropped,
			"request_id", execCtx.RequestID,
		)
		calls = calls[:c.config.MaxToolExecutions]
	}

	records := make([]models.ToolExecutionRecord, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			c.logger.Info("tool execution stopped",
				"reason", err,
				"completed", len(records),
				"remaining", len(calls)-len(records),
			)
			break
		}

		record := c.executeOne(ctx, call, execCtx)
		records = append(records, record)

		if c.store != nil && execCtx.Session != nil {
			// Context may already be canceled; the record is still persisted.
			if err := c.store.AppendToolExecution(context.WithoutCancel(ctx), execCtx.Session, record); err != nil {
				c.logger.Error("failed to append tool execution to history",
					"tool", record.ToolName,
					"record_id", record.ID,
					"error", err,
				)
			}
		}
	}
	return records
}

func (c *ToolCoordinator) executeOne(ctx context.Context, call models.ToolCall, execCtx ToolExecContext) models.ToolExecutionRecord {
	record := models.ToolExecutionRecord{
		ID:         uuid.NewString(),
		CallID:     call.ID,
		ToolName:   call.Name,
		Parameters: call.Input,
		Status:     models.ToolStatusRunning,
		Timestamp:  c.now(),
	}

	var (
		result string
		err    error
	)
	started := time.Now()
	switch {
	case strings.TrimSpace(call.Name) == "":
		err = NewToolError("", ErrToolNotFound).ForCall(call.ID)
	case !execCtx.Decision.ToolAllowed(call.Name):
		err = NewToolError(call.Name, ErrToolNotAllowed).ForCall(call.ID)
	case c.registry == nil:
		err = NewToolError(call.Name, ErrToolNotFound).ForCall(call.ID)
	default:
		callCtx := execCtx
		callCtx.CallID = call.ID
		toolCtx, span := c.config.Tracer.StartToolCall(ctx, call.Name, call.ID)
		toolCtx, cancel := context.WithTimeout(toolCtx, c.config.ToolTimeout)
		toolCtx = observability.AddToolCallID(toolCtx, call.ID)
		result, err = c.executeWithTimeout(toolCtx, call, callCtx)
		cancel()
		observability.SpanError(span, err)
		span.End()
	}
	record.Duration = time.Since(started)

	if err != nil {
		record.Status = models.ToolStatusFailed
		record.Error = c.config.ResultGuard.Apply(err.Error())
		if te, ok := AsToolError(err); ok {
			record.Failure = string(te.Failure)
		}
		c.logger.Warn("tool execution failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"error", err,
		)
	} else {
		record.Status = models.ToolStatusSuccess
		record.Result = c.config.ResultGuard.Apply(result)
	}
	c.metrics.RecordToolExecution(call.Name, string(record.Status), record.Duration.Seconds())
	return record
}

// executeWithTimeout runs one tool call, converting panics and timeouts into
// errors.
func (c *ToolCoordinator) executeWithTimeout(ctx context.Context, call models.ToolCall, execCtx ToolExecContext) (string, error) {
	type execResult struct {
		result string
		err    error
	}

	resultChan := make(chan execResult, 1)

	go func() {
		var res execResult
		func() {
			defer func() {
				if r := recover(); r != nil {
					res = execResult{err: NewToolError(call.Name, fmt.Errorf("%w: %v", ErrToolPanic, r)).
						ForCall(call.ID)}
				}
			}()
			out, err := c.registry.Execute(ctx, call.Name, call.Input, execCtx)
			res = execResult{result: out, err: err}
		}()
		// Non-blocking so the goroutine exits if the caller stopped waiting.
		select {
		case resultChan <- res:
		default:
			c.logger.Warn("tool execution completed after timeout, result discarded",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"request_id", observability.GetRequestID(ctx),
				"session_id", observability.GetSessionID(ctx),
			)
		}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", NewToolError(call.Name, fmt.Errorf("%w after %v", ErrToolTimeout, c.config.ToolTimeout)).
				ForCall(call.ID)
		}
		return "", NewToolError(call.Name, ctx.Err()).ForCall(call.ID)
	case res := <-resultChan:
		if res.err != nil {
			if te, ok := AsToolError(res.err); ok {
				if te.CallID == "" {
					te.CallID = call.ID
				}
				return "", res.err
			}
			return "", NewToolError(call.Name, res.err).ForCall(call.ID)
		}
		return res.result, nil
	}
}

// SummarizeToolResults renders records as text for the follow-up completion.
// Each line names the tool and its result or failure reason.
func SummarizeToolResults(records []models.ToolExecutionRecord) string {
	var b strings.Builder
	for i, r := range records {
		if i > 0 {
			b.WriteByte('\n')
		}
		if r.Succeeded() {
			fmt.Fprintf(&b, "- %s: %s", r.ToolName, r.Result)
		} else {
			fmt.Fprintf(&b, "- %s failed: %s", r.ToolName, r.Error)
		}
	}
	return b.String()
}
