package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/flowgate/internal/agent/routing"
	"github.com/haasonsaas/flowgate/internal/observability"
	"github.com/haasonsaas/flowgate/pkg/models"
)

// toolResultsPrefix introduces the tool summary in the follow-up completion.
const toolResultsPrefix = "Tool results:\n"

// PipelineConfig configures message processing.
type PipelineConfig struct {
	// MaxToolExecutions caps tool calls executed per message. Default: 5.
	MaxToolExecutions int

	// ToolTimeout bounds each tool call. Default: 30s.
	ToolTimeout time.Duration

	// HistoryLimit keeps only the most recent turns in the prompt.
	// Zero keeps the whole history.
	HistoryLimit int

	// CallTimeout bounds each completion call. Zero uses the gateway default.
	CallTimeout time.Duration

	// ToolResultGuard is applied to every tool result.
	ToolResultGuard ToolResultGuard
}

// PipelineDeps are the collaborators a pipeline is built from. Router,
// Gateway and Store are required.
type PipelineDeps struct {
	Router  routing.Router
	Gateway Completer
	Tools   ToolRegistry
	Store   ContextStore
	Tracer  *observability.Tracer
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// TransitionHook observes every state change of a run.
type TransitionHook func(requestID string, from, to models.PipelineState)

// PipelineOption customizes a Pipeline.
type PipelineOption func(*Pipeline)

// WithTransitionHook registers a hook called on every state change.
func WithTransitionHook(hook TransitionHook) PipelineOption {
	return func(p *Pipeline) {
		p.hook = hook
	}
}

// WithClock overrides the clock used for latency measurement.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// ToolCount is the number of executions of one tool by outcome.
type ToolCount struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// PipelineStats is a read-only snapshot for observability.
type PipelineStats struct {
	Providers []models.ProviderHealth `json:"providers"`
	Tools     map[string]ToolCount    `json:"tools"`
	Processed int64                   `json:"processed"`
	Failed    int64                   `json:"failed"`
}

// Pipeline turns one incoming message into one ProcessingResult. A Pipeline
// is safe for concurrent use; every ProcessMessage call is an independent run.
type Pipeline struct {
	router  routing.Router
	gateway Completer
	tools   ToolRegistry
	store   ContextStore
	coord   *ToolCoordinator
	tracer  *observability.Tracer
	metrics *observability.Metrics
	logger  *slog.Logger
	config  PipelineConfig
	hook    TransitionHook
	now     func() time.Time

	statsMu    sync.Mutex
	toolCounts map[string]ToolCount
	processed  int64
	failed     int64
}

// NewPipeline validates deps and builds a pipeline.
func NewPipeline(deps PipelineDeps, config PipelineConfig, opts ...PipelineOption) (*Pipeline, error) {
	if deps.Router == nil {
		return nil, errors.New("router is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if deps.Store == nil {
		return nil, errors.New("context store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		router:     deps.Router,
		gateway:    deps.Gateway,
		tools:      deps.Tools,
		store:      deps.Store,
		tracer:     deps.Tracer,
		metrics:    deps.Metrics,
		logger:     logger.With("component", "pipeline"),
		config:     config,
		now:        time.Now,
		toolCounts: make(map[string]ToolCount),
	}
	p.coord = NewToolCoordinator(deps.Tools, deps.Store, ToolCoordinatorConfig{
		MaxToolExecutions: config.MaxToolExecutions,
		ToolTimeout:       config.ToolTimeout,
		ResultGuard:       config.ToolResultGuard,
		Tracer:            deps.Tracer,
	}, logger, deps.Metrics)

	for _, opt := range opts {
		opt(p)
	}
	p.coord.now = p.now
	return p, nil
}

// pipelineError is an internal failure with a stable code.
type pipelineError struct {
	code string
	msg  string
}

func (e *pipelineError) Error() string     { return e.msg }
func (e *pipelineError) ErrorCode() string { return e.code }

var (
	errNilMessage   = &pipelineError{code: "invalid_message", msg: "message is nil"}
	errNoDecision   = &pipelineError{code: "no_route", msg: "router returned no decision"}
	errPanicInStage = &pipelineError{code: "internal", msg: "pipeline panicked"}
)

// run is the mutable state of one ProcessMessage call.
type run struct {
	p         *Pipeline
	requestID string
	channel   string
	state     models.PipelineState
	followUp  bool
	span      trace.Span
	result    *models.ProcessingResult
	logger    *slog.Logger
}

// transitions lists the legal successors of each non-terminal state. A run
// may fail from any non-terminal state.
var transitions = map[models.PipelineState][]models.PipelineState{
	models.StateReceived:      {models.StateContextLoaded},
	models.StateContextLoaded: {models.StateRouted},
	models.StateRouted:        {models.StatePromptBuilt},
	models.StatePromptBuilt:   {models.StateCompleted},
	models.StateCompleted:     {models.StateToolsExecuted, models.StateResultFinalized},
	models.StateToolsExecuted: {models.StateCompleted, models.StateResultFinalized},
}

func (r *run) advance(to models.PipelineState) {
	from := r.state
	if !r.legal(to) {
		// Programming error; keep the run moving and make it visible.
		r.logger.Error("illegal pipeline transition", "from", from, "to", to)
	}
	if to == models.StateCompleted && from == models.StateToolsExecuted {
		r.followUp = true
	}
	r.state = to
	r.result.State = to
	observability.SpanEvent(r.span, "state", "from", string(from), "to", string(to))
	if r.p.hook != nil {
		r.p.hook(r.requestID, from, to)
	}
}

func (r *run) legal(to models.PipelineState) bool {
	if r.state.Terminal() {
		return false
	}
	if to == models.StateResultFinalizedWithError {
		return true
	}
	// The second pass through COMPLETED happens at most once.
	if to == models.StateCompleted && r.followUp {
		return false
	}
	for _, next := range transitions[r.state] {
		if next == to {
			return true
		}
	}
	return false
}

// fail short-circuits the run into the error terminal state. The user sees
// only GenericErrorMessage; the cause goes to Error, the span and the logs.
func (r *run) fail(err error) {
	code := ErrorCode(err)
	r.result.Content = GenericErrorMessage
	r.result.Cost = 0
	r.result.Error = &models.ErrorInfo{
		Code:    code,
		Message: err.Error(),
		Stage:   r.state,
	}
	observability.SpanError(r.span, err)
	r.p.metrics.RecordError("pipeline", code)
	r.logger.Error("message processing failed",
		"stage", r.state,
		"code", code,
		"error", err,
	)
	r.advance(models.StateResultFinalizedWithError)
}

func (r *run) setMeta(key, value string) {
	if r.result.Metadata == nil {
		r.result.Metadata = make(map[string]string)
	}
	r.result.Metadata[key] = value
}

// ProcessMessage runs msg through the pipeline and always returns a result.
// preResolved, when non-nil, skips routing. Failures end in
// RESULT_FINALIZED_WITH_ERROR instead of an error return.
func (p *Pipeline) ProcessMessage(ctx context.Context, msg *models.IncomingMessage, preResolved *models.RoutingDecision) *models.ProcessingResult {
	started := p.now()
	requestID := uuid.NewString()

	result := &models.ProcessingResult{
		State:          models.StateReceived,
		ToolExecutions: []models.ToolExecutionRecord{},
		Metadata:       map[string]string{"request_id": requestID},
	}

	channel := ""
	if msg != nil {
		channel = string(msg.Channel)
		result.ConversationID = msg.ConversationKey()
		ctx = observability.AddChannel(ctx, channel)
	}
	ctx = observability.AddRequestID(ctx, requestID)
	ctx, span := p.tracer.StartMessage(ctx, channel, result.ConversationID)
	defer span.End()

	r := &run{
		p:         p,
		requestID: requestID,
		channel:   channel,
		state:     models.StateReceived,
		span:      span,
		result:    result,
		logger:    p.logger.With("request_id", requestID, "channel", channel),
	}
	if p.hook != nil {
		p.hook(requestID, "", models.StateReceived)
	}

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.fail(fmt.Errorf("%w: %v", errPanicInStage, rec))
			}
		}()
		if msg == nil {
			r.fail(errNilMessage)
			return
		}
		p.process(ctx, r, msg, preResolved)
	}()

	result.Latency = p.now().Sub(started)
	p.recordRun(r)
	return result
}

func (p *Pipeline) process(ctx context.Context, r *run, msg *models.IncomingMessage, preResolved *models.RoutingDecision) {
	result := r.result

	session, history := p.loadContext(ctx, r, msg)
	if session != nil {
		ctx = observability.AddSessionID(ctx, session.ID)
	}
	r.advance(models.StateContextLoaded)

	decision := preResolved
	if decision == nil {
		var err error
		decision, err = p.router.Route(ctx, msg)
		if err != nil {
			r.fail(err)
			return
		}
		if decision == nil {
			r.fail(errNoDecision)
			return
		}
	}
	result.PolicyID = decision.PolicyID()
	result.RequestedProvider = decision.Provider
	r.setMeta("routing_mode", string(decision.Mode))
	r.setMeta("routing_matched", strconv.FormatBool(decision.Matched))
	p.metrics.RecordRoutingDecision(string(decision.Mode), decision.Matched)
	observability.SpanAttrs(r.span,
		"policy_id", decision.PolicyID(),
		"provider.requested", decision.Provider,
		"routing.matched", decision.Matched,
	)
	r.advance(models.StateRouted)

	req := &CompletionRequest{
		Provider:    decision.Provider,
		Model:       decision.Model,
		System:      p.systemPrompt(decision, history),
		Messages:    []CompletionMessage{{Role: models.RoleUser, Content: msg.Content}},
		Tools:       p.availableTools(ctx, r, msg.Channel, decision),
		MaxTokens:   decision.Params.MaxTokens,
		Temperature: decision.Params.Temperature,
		Timeout:     p.config.CallTimeout,
	}
	p.appendTurn(ctx, r, session, models.RoleUser, msg.Content, nil)
	r.advance(models.StatePromptBuilt)

	resp, err := p.complete(ctx, req)
	if err != nil {
		r.fail(err)
		return
	}
	p.applyResponse(r, resp)
	result.Content = resp.Content
	p.appendTurn(ctx, r, session, models.RoleAssistant, resp.Content, resp.ToolCalls)
	r.advance(models.StateCompleted)

	if resp.HasToolCalls() {
		records := p.coord.ExecuteAll(ctx, resp.ToolCalls, ToolExecContext{
			Session:        session,
			ConversationID: result.ConversationID,
			Channel:        msg.Channel,
			SenderID:       msg.SenderID,
			RequestID:      r.requestID,
			Decision:       decision,
		})
		result.ToolExecutions = append(result.ToolExecutions, records...)
		p.countTools(records)
		r.advance(models.StateToolsExecuted)

		if len(records) > 0 {
			p.followUp(ctx, r, session, req, resp, records)
		}
	}

	r.advance(models.StateResultFinalized)
}

// loadContext fetches the session and its history. Failures are logged and
// the run continues with empty history.
func (p *Pipeline) loadContext(ctx context.Context, r *run, msg *models.IncomingMessage) (*models.Session, []models.Turn) {
	session, err := p.store.GetOrCreate(ctx, msg.ConversationKey())
	if err != nil {
		r.logger.Warn("context unavailable, continuing without history", "error", err)
		r.setMeta("context_error", err.Error())
		return nil, nil
	}
	history, err := p.store.History(ctx, session)
	if err != nil {
		r.logger.Warn("history unavailable, continuing without history", "session_id", session.ID, "error", err)
		r.setMeta("context_error", err.Error())
		return session, nil
	}
	if limit := p.config.HistoryLimit; limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return session, history
}

func (p *Pipeline) systemPrompt(decision *models.RoutingDecision, history []models.Turn) string {
	prompt := decision.Params.SystemPrompt
	if len(history) == 0 {
		return prompt
	}
	transcript := p.store.FormatForPrompt(history)
	if transcript == "" {
		return prompt
	}
	if prompt != "" {
		prompt += "\n\n"
	}
	return prompt + "Conversation so far:\n" + transcript
}

// availableTools lists the channel's tools the decision permits.
func (p *Pipeline) availableTools(ctx context.Context, r *run, channel models.ChannelType, decision *models.RoutingDecision) []ToolDefinition {
	if p.tools == nil || decision.ToolsDisabled() {
		return nil
	}
	defs, err := p.tools.ListAvailable(ctx, channel)
	if err != nil {
		r.logger.Warn("tool listing failed, continuing without tools", "error", err)
		r.setMeta("tools_error", err.Error())
		return nil
	}
	allowed := make([]ToolDefinition, 0, len(defs))
	for _, def := range defs {
		if decision.ToolAllowed(def.Name) {
			allowed = append(allowed, def)
		}
	}
	return allowed
}

func (p *Pipeline) appendTurn(ctx context.Context, r *run, session *models.Session, role models.Role, content string, calls []models.ToolCall) {
	if session == nil {
		return
	}
	if err := p.store.AppendTurn(context.WithoutCancel(ctx), session, role, content, calls); err != nil {
		r.logger.Warn("failed to append turn", "role", role, "session_id", session.ID, "error", err)
	}
}

func (p *Pipeline) complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	ctx, span := p.tracer.StartProviderCall(ctx, req.Provider, req.Model)
	defer span.End()

	resp, err := p.gateway.Complete(ctx, req)
	if err != nil {
		observability.SpanError(span, err)
		return nil, err
	}
	observability.SpanAttrs(span,
		"provider.actual", resp.Provider,
		"llm.model", resp.Model,
		"llm.input_tokens", resp.Usage.InputTokens,
		"llm.output_tokens", resp.Usage.OutputTokens,
	)
	return resp, nil
}

// applyResponse folds a completion's accounting into the result.
func (p *Pipeline) applyResponse(r *run, resp *CompletionResponse) {
	r.result.Provider = resp.Provider
	r.result.Model = resp.Model
	r.result.Usage.Add(resp.Usage)
	r.result.Cost += resp.Cost
	if resp.Provider != "" && r.result.RequestedProvider != "" && resp.Provider != r.result.RequestedProvider {
		r.setMeta("provider_downgraded", "true")
	}
}

// followUp makes the single completion that turns tool results into the
// final answer. On failure the first answer stays as content.
func (p *Pipeline) followUp(ctx context.Context, r *run, session *models.Session, first *CompletionRequest, firstResp *CompletionResponse, records []models.ToolExecutionRecord) {
	req := *first
	req.Tools = nil
	req.Messages = []CompletionMessage{
		first.Messages[0],
		{Role: models.RoleAssistant, Content: firstResp.Content},
		{Role: models.RoleUser, Content: toolResultsPrefix + SummarizeToolResults(records)},
	}

	resp, err := p.complete(ctx, &req)
	if err != nil {
		code := ErrorCode(err)
		r.setMeta("follow_up_error", code)
		p.metrics.RecordError("pipeline_follow_up", code)
		r.logger.Warn("follow-up completion failed, keeping first answer", "code", code, "error", err)
		return
	}
	p.applyResponse(r, resp)
	r.result.Content = resp.Content
	p.appendTurn(ctx, r, session, models.RoleAssistant, resp.Content, nil)
	r.advance(models.StateCompleted)
}

func (p *Pipeline) countTools(records []models.ToolExecutionRecord) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	for _, rec := range records {
		count := p.toolCounts[rec.ToolName]
		if rec.Succeeded() {
			count.Success++
		} else {
			count.Failed++
		}
		p.toolCounts[rec.ToolName] = count
	}
}

func (p *Pipeline) recordRun(r *run) {
	p.statsMu.Lock()
	p.processed++
	if r.result.Failed() {
		p.failed++
	}
	p.statsMu.Unlock()

	p.metrics.RecordMessage(r.channel, string(r.result.State), r.result.Latency.Seconds())
	if r.result.Failed() {
		return
	}
	r.logger.Info("message processed",
		"policy_id", r.result.PolicyID,
		"provider", r.result.Provider,
		"tools", len(r.result.ToolExecutions),
		"latency", r.result.Latency,
	)
}

// Stats returns provider health and per-tool execution counts.
func (p *Pipeline) Stats() PipelineStats {
	p.statsMu.Lock()
	tools := make(map[string]ToolCount, len(p.toolCounts))
	for name, count := range p.toolCounts {
		tools[name] = count
	}
	stats := PipelineStats{Tools: tools, Processed: p.processed, Failed: p.failed}
	p.statsMu.Unlock()

	stats.Providers = p.gateway.Health()
	return stats
}
