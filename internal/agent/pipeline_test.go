package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/flowgate/internal/agent/routing"
	"github.com/haasonsaas/flowgate/internal/conditions"
	"github.com/haasonsaas/flowgate/pkg/models"
)

// scriptedGateway returns queued responses in order and records requests.
type scriptedGateway struct {
	mu        sync.Mutex
	responses []*CompletionResponse
	errs      []error
	requests  []*CompletionRequest
	health    []models.ProviderHealth
}

func (g *scriptedGateway) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := len(g.requests)
	g.requests = append(g.requests, req)
	if i < len(g.errs) && g.errs[i] != nil {
		return nil, g.errs[i]
	}
	if i < len(g.responses) {
		return g.responses[i], nil
	}
	return &CompletionResponse{Content: "default", Provider: req.Provider}, nil
}

func (g *scriptedGateway) Health() []models.ProviderHealth { return g.health }

func (g *scriptedGateway) calls() []*CompletionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*CompletionRequest(nil), g.requests...)
}

type policyList []models.RoutingPolicy

func (l policyList) ListActivePolicies(ctx context.Context, channel models.ChannelType, instanceID string) ([]models.RoutingPolicy, error) {
	return l, nil
}

type codedFailure struct{ code string }

func (e codedFailure) Error() string     { return "gateway: " + e.code }
func (e codedFailure) ErrorCode() string { return e.code }

func dynamicRouter(policies ...models.RoutingPolicy) routing.Router {
	engine := routing.NewEngine(conditions.NewMatcher(conditions.WithLogger(quietLogger())), quietLogger())
	return routing.NewDynamicRouter(policyList(policies), engine)
}

func defaultPolicies() []models.RoutingPolicy {
	return []models.RoutingPolicy{
		{ID: "orders", Provider: "primary", Model: "gpt-4o", Priority: 0, Active: true,
			Conditions: models.ConditionSet{Pattern: "/order/i"},
			Params:     models.GenerationParams{SystemPrompt: "You handle orders."}},
		{ID: "general", Provider: "secondary", Priority: 1, Active: true},
	}
}

func newTestPipeline(t *testing.T, gw *scriptedGateway, tools *stubTools, store *memoryStore, cfg PipelineConfig, opts ...PipelineOption) *Pipeline {
	t.Helper()
	deps := PipelineDeps{
		Router:  dynamicRouter(defaultPolicies()...),
		Gateway: gw,
		Store:   store,
		Logger:  quietLogger(),
	}
	if tools != nil {
		deps.Tools = tools
	}
	p, err := NewPipeline(deps, cfg, opts...)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p
}

func message(content string) *models.IncomingMessage {
	return &models.IncomingMessage{Channel: "A", SenderID: "u1", Content: content}
}

func TestProcessMessage_RoutesByPattern(t *testing.T) {
	tests := []struct {
		content      string
		wantPolicy   string
		wantProvider string
		wantMatched  string
	}{
		{"refund my order", "orders", "primary", "true"},
		{"hello", "general", "secondary", "true"},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			gw := &scriptedGateway{}
			p := newTestPipeline(t, gw, nil, newMemoryStore(), PipelineConfig{})
			result := p.ProcessMessage(context.Background(), message(tt.content), nil)

			if result.State != models.StateResultFinalized {
				t.Fatalf("state = %s, error = %+v", result.State, result.Error)
			}
			if result.PolicyID != tt.wantPolicy {
				t.Errorf("policy = %q, want %q", result.PolicyID, tt.wantPolicy)
			}
			if got := gw.calls()[0].Provider; got != tt.wantProvider {
				t.Errorf("requested provider = %q, want %q", got, tt.wantProvider)
			}
			if result.Metadata["routing_matched"] != tt.wantMatched {
				t.Errorf("routing_matched = %q, want %q", result.Metadata["routing_matched"], tt.wantMatched)
			}
		})
	}
}

func TestProcessMessage_RefundScenario(t *testing.T) {
	policies := []models.RoutingPolicy{
		{ID: "P1", Provider: "primary", Priority: 0, Active: true, Conditions: models.ConditionSet{Pattern: "/order/i"}},
		{ID: "P2", Provider: "secondary", Priority: 1, Active: true},
	}
	for _, tt := range []struct{ content, want string }{
		{"refund my order", "P1"},
		{"hello", "P2"},
	} {
		p, err := NewPipeline(PipelineDeps{
			Router:  dynamicRouter(policies...),
			Gateway: &scriptedGateway{},
			Store:   newMemoryStore(),
			Logger:  quietLogger(),
		}, PipelineConfig{})
		if err != nil {
			t.Fatal(err)
		}
		result := p.ProcessMessage(context.Background(), message(tt.content), nil)
		if result.PolicyID != tt.want {
			t.Errorf("%q routed to %q, want %q", tt.content, result.PolicyID, tt.want)
		}
	}
}

func TestProcessMessage_FallbackIsFlaggedUnmatched(t *testing.T) {
	policies := []models.RoutingPolicy{
		{ID: "billing", Provider: "primary", Priority: 0, Active: true, Conditions: models.ConditionSet{Pattern: "invoice"}},
		{ID: "vip", Provider: "secondary", Priority: 1, Active: true, Conditions: models.ConditionSet{Segment: "vip"}},
	}
	p, err := NewPipeline(PipelineDeps{
		Router:  dynamicRouter(policies...),
		Gateway: &scriptedGateway{},
		Store:   newMemoryStore(),
		Logger:  quietLogger(),
	}, PipelineConfig{})
	if err != nil {
		t.Fatal(err)
	}
	result := p.ProcessMessage(context.Background(), message("hello"), nil)
	if result.PolicyID != "billing" {
		t.Errorf("policy = %q, want first by priority", result.PolicyID)
	}
	if result.Metadata["routing_matched"] != "false" {
		t.Errorf("routing_matched = %q, want false", result.Metadata["routing_matched"])
	}
}

func TestProcessMessage_StateSequenceWithTools(t *testing.T) {
	gw := &scriptedGateway{responses: []*CompletionResponse{
		{Content: "let me check", Provider: "primary", Model: "gpt-4o",
			Usage: models.Usage{InputTokens: 10, OutputTokens: 5}, Cost: 0.01,
			ToolCalls: []models.ToolCall{
				{ID: "1", Name: "lookup_order", Input: json.RawMessage(`{"id":42}`)},
				{ID: "2", Name: "issue_refund", Input: json.RawMessage(`{"id":42}`)},
			}},
		{Content: "Your refund could not be issued yet.", Provider: "primary", Model: "gpt-4o",
			Usage: models.Usage{InputTokens: 20, OutputTokens: 8}, Cost: 0.02},
	}}
	tools := newStubTools().
		add("lookup_order", returns("order 42 shipped")).
		add("issue_refund", fails("refund service unavailable"))
	store := newMemoryStore()

	var states []models.PipelineState
	hook := func(_ string, _, to models.PipelineState) { states = append(states, to) }
	p := newTestPipeline(t, gw, tools, store, PipelineConfig{}, WithTransitionHook(hook))

	result := p.ProcessMessage(context.Background(), message("refund my order"), nil)

	want := []models.PipelineState{
		models.StateReceived, models.StateContextLoaded, models.StateRouted, models.StatePromptBuilt,
		models.StateCompleted, models.StateToolsExecuted, models.StateCompleted, models.StateResultFinalized,
	}
	if strings.Join(stateNames(states), ",") != strings.Join(stateNames(want), ",") {
		t.Fatalf("states = %v, want %v", states, want)
	}
	if result.Content != "Your refund could not be issued yet." {
		t.Errorf("content = %q", result.Content)
	}
	if len(result.ToolExecutions) != 2 {
		t.Fatalf("tool executions = %d, want 2", len(result.ToolExecutions))
	}
	if !result.ToolExecutions[0].Succeeded() || result.ToolExecutions[1].Succeeded() {
		t.Errorf("want success then failure, got %s and %s",
			result.ToolExecutions[0].Status, result.ToolExecutions[1].Status)
	}
	if result.Usage.InputTokens != 30 || result.Usage.OutputTokens != 13 {
		t.Errorf("usage = %+v, want accumulated 30/13", result.Usage)
	}
	if result.Cost < 0.0299 || result.Cost > 0.0301 {
		t.Errorf("cost = %v, want 0.03", result.Cost)
	}

	calls := gw.calls()
	if len(calls) != 2 {
		t.Fatalf("completion calls = %d, want 2", len(calls))
	}
	followUp := calls[1]
	if len(followUp.Tools) != 0 {
		t.Error("follow-up must not offer tools")
	}
	if len(followUp.Messages) != 3 || followUp.Messages[1].Content != "let me check" {
		t.Fatalf("follow-up messages = %+v", followUp.Messages)
	}
	summary := followUp.Messages[2].Content
	if !strings.Contains(summary, "order 42 shipped") || !strings.Contains(summary, "refund service unavailable") {
		t.Errorf("follow-up summary missing results: %q", summary)
	}

	stats := p.Stats()
	if stats.Tools["lookup_order"].Success != 1 || stats.Tools["issue_refund"].Failed != 1 {
		t.Errorf("tool stats = %+v", stats.Tools)
	}
	if stats.Processed != 1 || stats.Failed != 0 {
		t.Errorf("processed/failed = %d/%d", stats.Processed, stats.Failed)
	}
}

func stateNames(states []models.PipelineState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func TestProcessMessage_MaxToolExecutions(t *testing.T) {
	var calls []models.ToolCall
	tools := newStubTools()
	for _, name := range []string{"t1", "t2", "t3", "t4", "t5"} {
		tools.add(name, returns(name))
		calls = append(calls, models.ToolCall{ID: name, Name: name})
	}
	gw := &scriptedGateway{responses: []*CompletionResponse{{Content: "working", ToolCalls: calls}}}
	store := newMemoryStore()
	p := newTestPipeline(t, gw, tools, store, PipelineConfig{MaxToolExecutions: 2})

	result := p.ProcessMessage(context.Background(), message("refund my order"), nil)

	if len(result.ToolExecutions) != 2 {
		t.Fatalf("tool executions = %d, want 2", len(result.ToolExecutions))
	}
	if result.ToolExecutions[0].ToolName != "t1" || result.ToolExecutions[1].ToolName != "t2" {
		t.Errorf("order = %s, %s", result.ToolExecutions[0].ToolName, result.ToolExecutions[1].ToolName)
	}
	session, _ := store.GetOrCreate(context.Background(), message("").ConversationKey())
	if got := store.toolRecords(session.ID); len(got) != 2 {
		t.Errorf("history tool records = %d, want 2", len(got))
	}
}

func TestProcessMessage_FollowUpFailureKeepsFirstAnswer(t *testing.T) {
	gw := &scriptedGateway{
		responses: []*CompletionResponse{{Content: "first answer", Provider: "primary", Cost: 0.5,
			ToolCalls: []models.ToolCall{{ID: "1", Name: "lookup_order"}}}},
		errs: []error{nil, codedFailure{code: "providers_exhausted"}},
	}
	tools := newStubTools().add("lookup_order", returns("ok"))
	p := newTestPipeline(t, gw, tools, newMemoryStore(), PipelineConfig{})

	result := p.ProcessMessage(context.Background(), message("refund my order"), nil)

	if result.State != models.StateResultFinalized {
		t.Fatalf("state = %s, want RESULT_FINALIZED", result.State)
	}
	if result.Content != "first answer" {
		t.Errorf("content = %q, want first answer", result.Content)
	}
	if result.Error != nil {
		t.Errorf("error = %+v, want nil", result.Error)
	}
	if result.Metadata["follow_up_error"] != "providers_exhausted" {
		t.Errorf("follow_up_error = %q", result.Metadata["follow_up_error"])
	}
	if len(result.ToolExecutions) != 1 {
		t.Errorf("tool executions = %d, want 1", len(result.ToolExecutions))
	}
}

func TestProcessMessage_ProviderExhaustionFails(t *testing.T) {
	gw := &scriptedGateway{errs: []error{codedFailure{code: "providers_exhausted"}}}
	p := newTestPipeline(t, gw, nil, newMemoryStore(), PipelineConfig{})

	result := p.ProcessMessage(context.Background(), message("refund my order"), nil)

	if !result.Failed() {
		t.Fatalf("state = %s, want error state", result.State)
	}
	if result.Content != GenericErrorMessage {
		t.Errorf("content = %q, want generic message", result.Content)
	}
	if strings.Contains(result.Content, "gateway") {
		t.Error("internal error text leaked into content")
	}
	if result.Cost != 0 {
		t.Errorf("cost = %v, want 0", result.Cost)
	}
	if result.Error == nil || result.Error.Code != "providers_exhausted" || result.Error.Stage != models.StatePromptBuilt {
		t.Errorf("error = %+v", result.Error)
	}
	if p.Stats().Failed != 1 {
		t.Errorf("failed count = %d, want 1", p.Stats().Failed)
	}
}

func TestProcessMessage_NoRoute(t *testing.T) {
	p, err := NewPipeline(PipelineDeps{
		Router:  dynamicRouter(),
		Gateway: &scriptedGateway{},
		Store:   newMemoryStore(),
		Logger:  quietLogger(),
	}, PipelineConfig{})
	if err != nil {
		t.Fatal(err)
	}
	result := p.ProcessMessage(context.Background(), message("hi"), nil)
	if !result.Failed() || result.Error.Code != "no_route" {
		t.Fatalf("result = %+v, want no_route failure", result)
	}
	if result.Error.Stage != models.StateContextLoaded {
		t.Errorf("stage = %s, want CONTEXT_LOADED", result.Error.Stage)
	}
	if result.ToolExecutions == nil {
		t.Error("tool executions should be an empty list, not nil")
	}
}

func TestProcessMessage_PreResolvedDecisionSkipsRouting(t *testing.T) {
	gw := &scriptedGateway{responses: []*CompletionResponse{{Content: "ok", Provider: "secondary"}}}
	p, err := NewPipeline(PipelineDeps{
		Router:  dynamicRouter(),
		Gateway: gw,
		Store:   newMemoryStore(),
		Logger:  quietLogger(),
	}, PipelineConfig{})
	if err != nil {
		t.Fatal(err)
	}
	decision := &models.RoutingDecision{Provider: "primary", Model: "m", Matched: true, Mode: models.RoutingModeStatic, RuleName: "vip"}

	result := p.ProcessMessage(context.Background(), message("hi"), decision)

	if result.State != models.StateResultFinalized {
		t.Fatalf("state = %s, error = %+v", result.State, result.Error)
	}
	if result.PolicyID != "vip" {
		t.Errorf("policy = %q, want vip", result.PolicyID)
	}
	if result.RequestedProvider != "primary" || result.Provider != "secondary" {
		t.Errorf("requested/actual = %q/%q, want primary/secondary", result.RequestedProvider, result.Provider)
	}
	if result.Metadata["provider_downgraded"] != "true" {
		t.Error("downgrade not flagged in metadata")
	}
}

func TestProcessMessage_ContextFailureContinues(t *testing.T) {
	store := newMemoryStore()
	store.historyErr = errors.New("db down")
	gw := &scriptedGateway{responses: []*CompletionResponse{{Content: "answer"}}}
	p := newTestPipeline(t, gw, nil, store, PipelineConfig{})

	result := p.ProcessMessage(context.Background(), message("refund my order"), nil)

	if result.State != models.StateResultFinalized {
		t.Fatalf("state = %s, want success", result.State)
	}
	if result.Metadata["context_error"] == "" {
		t.Error("context error not recorded in metadata")
	}
	if strings.Contains(gw.calls()[0].System, "Conversation so far") {
		t.Error("history should be empty after context failure")
	}
}

func TestProcessMessage_HistoryInPrompt(t *testing.T) {
	store := newMemoryStore()
	gw := &scriptedGateway{}
	p := newTestPipeline(t, gw, nil, store, PipelineConfig{HistoryLimit: 2})

	for _, content := range []string{"order one", "order two", "order three"} {
		p.ProcessMessage(context.Background(), message(content), nil)
	}

	system := gw.calls()[2].System
	if !strings.HasPrefix(system, "You handle orders.") {
		t.Errorf("system prompt = %q, want policy prompt first", system)
	}
	if strings.Contains(system, "order one") {
		t.Errorf("history limit not applied: %q", system)
	}
	if !strings.Contains(system, "order two") {
		t.Errorf("recent history missing: %q", system)
	}
}

func TestProcessMessage_ToolsFilteredByAllowList(t *testing.T) {
	tools := newStubTools().add("search", returns("")).add("admin", returns(""))
	allow := []string{"search"}
	decision := &models.RoutingDecision{Provider: "primary", ToolAllowList: &allow}
	gw := &scriptedGateway{}
	p := newTestPipeline(t, gw, tools, newMemoryStore(), PipelineConfig{})

	p.ProcessMessage(context.Background(), message("hi"), decision)

	offered := gw.calls()[0].Tools
	if len(offered) != 1 || offered[0].Name != "search" {
		t.Errorf("offered tools = %+v, want only search", offered)
	}

	none := []string{}
	gw2 := &scriptedGateway{}
	p2 := newTestPipeline(t, gw2, tools, newMemoryStore(), PipelineConfig{})
	p2.ProcessMessage(context.Background(), message("hi"), &models.RoutingDecision{Provider: "primary", ToolAllowList: &none})
	if len(gw2.calls()[0].Tools) != 0 {
		t.Error("empty allow-list should disable tools")
	}
}

func TestProcessMessage_NilMessage(t *testing.T) {
	p := newTestPipeline(t, &scriptedGateway{}, nil, newMemoryStore(), PipelineConfig{})
	result := p.ProcessMessage(context.Background(), nil, nil)
	if !result.Failed() || result.Error.Code != "invalid_message" {
		t.Fatalf("result = %+v, want invalid_message failure", result)
	}
}

type panickingRouter struct{}

func (panickingRouter) Route(context.Context, *models.IncomingMessage) (*models.RoutingDecision, error) {
	panic("corrupt policy")
}

func TestProcessMessage_RecoversPanics(t *testing.T) {
	p, err := NewPipeline(PipelineDeps{
		Router:  panickingRouter{},
		Gateway: &scriptedGateway{},
		Store:   newMemoryStore(),
		Logger:  quietLogger(),
	}, PipelineConfig{})
	if err != nil {
		t.Fatal(err)
	}
	result := p.ProcessMessage(context.Background(), message("hi"), nil)
	if !result.Failed() || result.Error.Code != "internal" {
		t.Fatalf("result = %+v, want internal failure", result)
	}
	if result.Content != GenericErrorMessage {
		t.Errorf("content = %q", result.Content)
	}
}

func TestProcessMessage_TranscriptOrder(t *testing.T) {
	gw := &scriptedGateway{responses: []*CompletionResponse{
		{Content: "checking", ToolCalls: []models.ToolCall{{ID: "1", Name: "lookup_order"}}},
		{Content: "done"},
	}}
	tools := newStubTools().add("lookup_order", returns("ok"))
	store := newMemoryStore()
	p := newTestPipeline(t, gw, tools, store, PipelineConfig{})

	msg := message("refund my order")
	p.ProcessMessage(context.Background(), msg, nil)

	session, _ := store.GetOrCreate(context.Background(), msg.ConversationKey())
	got := store.roles(session.ID)
	want := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	if len(got) != len(want) {
		t.Fatalf("roles = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("roles = %v, want %v", got, want)
		}
	}
}

func TestNewPipelineRequiresDeps(t *testing.T) {
	tests := []struct {
		name string
		deps PipelineDeps
	}{
		{"router", PipelineDeps{Gateway: &scriptedGateway{}, Store: newMemoryStore()}},
		{"gateway", PipelineDeps{Router: dynamicRouter(), Store: newMemoryStore()}},
		{"store", PipelineDeps{Router: dynamicRouter(), Gateway: &scriptedGateway{}}},
	}
	for _, tt := range tests {
		if _, err := NewPipeline(tt.deps, PipelineConfig{}); err == nil {
			t.Errorf("missing %s: expected error", tt.name)
		}
	}
}
