package routing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/haasonsaas/flowgate/internal/conditions"
	"github.com/haasonsaas/flowgate/pkg/models"
)

func testEngine() *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(conditions.NewMatcher(conditions.WithLogger(logger)), logger)
}

type stubStore struct {
	policies []models.RoutingPolicy
	err      error
	calls    int
}

func (s *stubStore) ListActivePolicies(ctx context.Context, channel models.ChannelType, instanceID string) ([]models.RoutingPolicy, error) {
	s.calls++
	return s.policies, s.err
}

func TestEngineRoute_EmptyCandidates(t *testing.T) {
	_, err := testEngine().Route(&models.IncomingMessage{Content: "hi"}, nil)
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}

func TestEngineRoute_NeverNilForNonEmptySet(t *testing.T) {
	candidates := []models.RoutingPolicy{
		{ID: "a", Priority: 3, Conditions: models.ConditionSet{Pattern: "nope"}},
		{ID: "b", Priority: 1, Conditions: models.ConditionSet{Senders: []string{"x"}}},
	}
	messages := []string{"", "hello", "nope", "something else"}
	for _, content := range messages {
		decision, err := testEngine().Route(&models.IncomingMessage{Content: content}, candidates)
		if err != nil {
			t.Fatalf("Route(%q) error: %v", content, err)
		}
		if decision == nil || decision.Policy == nil {
			t.Fatalf("Route(%q) returned nil decision", content)
		}
		if decision.Policy.ID != "a" && decision.Policy.ID != "b" {
			t.Fatalf("decision references unknown policy %q", decision.Policy.ID)
		}
	}
}

func TestEngineRoute_SoleMatchWinsRegardlessOfRank(t *testing.T) {
	candidates := []models.RoutingPolicy{
		{ID: "first", Priority: 0, Conditions: models.ConditionSet{Pattern: "billing"}},
		{ID: "second", Priority: 5, Conditions: models.ConditionSet{Pattern: "billing"}},
		{ID: "last", Priority: 99, Conditions: models.ConditionSet{Segment: "vip"}},
	}
	msg := &models.IncomingMessage{Content: "hi", Metadata: map[string]string{"segment": "vip"}}

	decision, err := testEngine().Route(msg, candidates)
	if err != nil {
		t.Fatalf("Route() error: %v", err)
	}
	if decision.Policy.ID != "last" || !decision.Matched {
		t.Fatalf("expected matched policy 'last', got %q matched=%v", decision.Policy.ID, decision.Matched)
	}
}

func TestEngineRoute_FallbackIsFirstByPriority(t *testing.T) {
	candidates := []models.RoutingPolicy{
		{ID: "p7", Priority: 7, Provider: "openai", Conditions: models.ConditionSet{Pattern: "x"}},
		{ID: "p2", Priority: 2, Provider: "Anthropic", Conditions: models.ConditionSet{Pattern: "y"}},
		{ID: "p4", Priority: 4, Provider: "google", Conditions: models.ConditionSet{Pattern: "z"}},
	}
	decision, err := testEngine().Route(&models.IncomingMessage{Content: "none of these"}, candidates)
	if err != nil {
		t.Fatalf("Route() error: %v", err)
	}
	if decision.Policy.ID != "p2" {
		t.Fatalf("expected fallback to p2, got %q", decision.Policy.ID)
	}
	if decision.Matched {
		t.Fatal("fallback decision should not be marked matched")
	}
	if decision.Provider != "anthropic" {
		t.Fatalf("expected normalized provider, got %q", decision.Provider)
	}
}

func TestEngineRoute_EqualPriorityKeepsInputOrder(t *testing.T) {
	candidates := []models.RoutingPolicy{
		{ID: "a", Priority: 1},
		{ID: "b", Priority: 1},
	}
	decision, err := testEngine().Route(&models.IncomingMessage{}, candidates)
	if err != nil {
		t.Fatalf("Route() error: %v", err)
	}
	if decision.Policy.ID != "a" {
		t.Fatalf("expected a, got %q", decision.Policy.ID)
	}
}

func TestEngineRoute_Idempotent(t *testing.T) {
	tools := []string{"lookup"}
	candidates := []models.RoutingPolicy{
		{ID: "p1", Priority: 0, Provider: "openai", Model: "gpt-4o", EnabledTools: &tools, Conditions: models.ConditionSet{Pattern: "/order/i"}},
		{ID: "p2", Priority: 1, Provider: "anthropic"},
	}
	msg := &models.IncomingMessage{Channel: "A", Content: "where is my ORDER"}

	engine := testEngine()
	first, err := engine.Route(msg, candidates)
	if err != nil {
		t.Fatalf("Route() error: %v", err)
	}
	second, err := engine.Route(msg, candidates)
	if err != nil {
		t.Fatalf("Route() error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("decisions differ:\n%+v\n%+v", first, second)
	}
}

func TestEngineRoute_DecisionDoesNotAliasPolicy(t *testing.T) {
	tools := []string{"lookup"}
	candidates := []models.RoutingPolicy{{ID: "p1", EnabledTools: &tools}}
	decision, err := testEngine().Route(&models.IncomingMessage{}, candidates)
	if err != nil {
		t.Fatalf("Route() error: %v", err)
	}
	tools[0] = "changed"
	if (*decision.ToolAllowList)[0] != "lookup" {
		t.Fatal("decision allow-list aliases the policy")
	}
	if (*decision.Policy.EnabledTools)[0] != "lookup" {
		t.Fatal("decision policy aliases the candidate")
	}
}

func TestDynamicRouter_RefundScenario(t *testing.T) {
	store := &stubStore{policies: []models.RoutingPolicy{
		{ID: "P1", Priority: 0, Provider: "openai", Conditions: models.ConditionSet{Pattern: "/order/i"}},
		{ID: "P2", Priority: 1, Provider: "anthropic"},
	}}
	router := NewDynamicRouter(store, testEngine())

	decision, err := router.Route(context.Background(), &models.IncomingMessage{Channel: "A", Content: "refund my order"})
	if err != nil {
		t.Fatalf("Route() error: %v", err)
	}
	if decision.Policy.ID != "P1" {
		t.Fatalf("expected P1, got %q", decision.Policy.ID)
	}

	decision, err = router.Route(context.Background(), &models.IncomingMessage{Channel: "A", Content: "hello"})
	if err != nil {
		t.Fatalf("Route() error: %v", err)
	}
	if decision.Policy.ID != "P2" || !decision.Matched {
		t.Fatalf("expected matched P2, got %q matched=%v", decision.Policy.ID, decision.Matched)
	}
}

func TestDynamicRouter_Errors(t *testing.T) {
	storeErr := errors.New("db down")
	router := NewDynamicRouter(&stubStore{err: storeErr}, nil)
	if _, err := router.Route(context.Background(), &models.IncomingMessage{}); !errors.Is(err, storeErr) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}

	router = NewDynamicRouter(&stubStore{}, nil)
	if _, err := router.Route(context.Background(), &models.IncomingMessage{}); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}

	if _, err := router.Route(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil message")
	}
}

func TestDynamicRouter_DefaultTarget(t *testing.T) {
	router := NewDynamicRouter(&stubStore{}, nil).
		WithDefault(Target{Provider: " OpenAI ", Model: "gpt-4o-mini"}, models.GenerationParams{MaxTokens: 256})

	decision, err := router.Route(context.Background(), &models.IncomingMessage{Channel: "web", Content: "hi"})
	if err != nil {
		t.Fatalf("Route() error: %v", err)
	}
	if decision.Provider != "openai" || decision.Model != "gpt-4o-mini" || decision.Params.MaxTokens != 256 {
		t.Fatalf("decision = %+v", decision)
	}
	if decision.Matched || decision.Policy != nil || decision.Mode != models.RoutingModeDynamic {
		t.Errorf("default decision should be unmatched and policy-less: %+v", decision)
	}

	storeErr := errors.New("db down")
	router = NewDynamicRouter(&stubStore{err: storeErr}, nil).WithDefault(Target{Provider: "openai"}, models.GenerationParams{})
	if _, err := router.Route(context.Background(), &models.IncomingMessage{}); !errors.Is(err, storeErr) {
		t.Fatalf("store failure must not fall back to the default, got %v", err)
	}
}

func TestRoutingErrorCodes(t *testing.T) {
	if ErrNoRoute.ErrorCode() != "no_route" {
		t.Errorf("ErrNoRoute code = %q", ErrNoRoute.ErrorCode())
	}
	cause := errors.New("connection refused")
	err := &RoutingError{Code: "policy_store", Message: "list policies", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("RoutingError should unwrap to its cause")
	}
	if err.Error() != "routing: list policies: connection refused" {
		t.Errorf("Error() = %q", err.Error())
	}
}
