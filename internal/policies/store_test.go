package policies

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/flowgate/internal/observability"
	"github.com/haasonsaas/flowgate/internal/storage"
	"github.com/haasonsaas/flowgate/pkg/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ids(policies []models.RoutingPolicy) string {
	out := make([]string, len(policies))
	for i, p := range policies {
		out[i] = p.ID
	}
	return strings.Join(out, ",")
}

func TestMemoryStoreScoping(t *testing.T) {
	store := NewMemoryStore([]models.RoutingPolicy{
		{ID: "global", Priority: 9, Active: true},
		{ID: "slack-default", Channel: models.ChannelSlack, Priority: 5, Active: true},
		{ID: "slack-acme-b", Channel: models.ChannelSlack, ChannelInstanceID: "acme", Priority: 2, Active: true},
		{ID: "slack-acme-a", Channel: models.ChannelSlack, ChannelInstanceID: "acme", Priority: 2, Active: true},
		{ID: "slack-acme-off", Channel: models.ChannelSlack, ChannelInstanceID: "acme", Priority: 1, Active: false},
		{ID: "sms-default", Channel: models.ChannelSMS, Priority: 1, Active: true},
	})
	ctx := context.Background()

	tests := []struct {
		name     string
		channel  models.ChannelType
		instance string
		want     string
	}{
		{name: "scoped hit", channel: models.ChannelSlack, instance: "acme", want: "slack-acme-a,slack-acme-b"},
		{name: "scoped miss falls back", channel: models.ChannelSlack, instance: "other", want: "slack-default,global"},
		{name: "unscoped", channel: models.ChannelSlack, want: "slack-default,global"},
		{name: "other channel", channel: models.ChannelWeb, want: "global"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListActivePolicies(ctx, tt.channel, tt.instance)
			if err != nil {
				t.Fatal(err)
			}
			if ids(got) != tt.want {
				t.Errorf("policies = %s, want %s", ids(got), tt.want)
			}
		})
	}
}

func setupMockStore(t *testing.T) (sqlmock.Sqlmock, *SQLStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewSQLStore(storage.Wrap(db, storage.DialectPostgres), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	return mock, store
}

func policyRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "channel", "channel_instance_id", "provider", "priority", "config"})
}

func TestSQLStore_ScopedPolicies(t *testing.T) {
	mock, store := setupMockStore(t)

	mock.ExpectQuery(`WHERE active = TRUE AND channel = \$1 AND channel_instance_id = \$2 ORDER BY priority, id`).
		WithArgs("slack", "acme").
		WillReturnRows(policyRows().
			AddRow("orders", "Orders", "slack", "acme", "primary", 1, `{"model":"gpt-4o","conditions":{"pattern":"/order/i"}}`).
			AddRow("general", nil, "slack", "acme", "secondary", 5, nil))

	got, err := store.ListActivePolicies(context.Background(), models.ChannelSlack, "acme")
	if err != nil {
		t.Fatalf("ListActivePolicies: %v", err)
	}
	if ids(got) != "orders,general" {
		t.Fatalf("policies = %s", ids(got))
	}
	if got[0].Model != "gpt-4o" || got[0].Conditions.Pattern != "/order/i" || !got[0].Active {
		t.Errorf("orders = %+v", got[0])
	}
	if !got[1].Conditions.IsEmpty() {
		t.Errorf("general conditions = %+v, want empty", got[1].Conditions)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_FallsBackToUnscoped(t *testing.T) {
	mock, store := setupMockStore(t)

	mock.ExpectQuery(`channel = \$1 AND channel_instance_id = \$2`).
		WithArgs("slack", "acme").
		WillReturnRows(policyRows())
	mock.ExpectQuery(`\(channel = \$1 OR channel = ''\) AND channel_instance_id = ''`).
		WithArgs("slack").
		WillReturnRows(policyRows().
			AddRow("default", "Default", "", "", "primary", 0, `"{\"model\":\"claude\"}"`).
			AddRow("broken", "Broken", "slack", "", "primary", 1, `[1,2,3]`))

	got, err := store.ListActivePolicies(context.Background(), models.ChannelSlack, "acme")
	if err != nil {
		t.Fatalf("ListActivePolicies: %v", err)
	}
	if ids(got) != "default" {
		t.Fatalf("policies = %s, want only the valid default", ids(got))
	}
	if got[0].Model != "claude" {
		t.Errorf("model = %q", got[0].Model)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_QueryError(t *testing.T) {
	mock, store := setupMockStore(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	store.WithMetrics(metrics)
	mock.ExpectQuery("SELECT id, name").WillReturnError(errors.New("connection reset"))

	if _, err := store.ListActivePolicies(context.Background(), models.ChannelWeb, ""); err == nil {
		t.Fatal("expected error")
	}
	if got := testutil.ToFloat64(metrics.DatabaseQueryCounter.WithLabelValues("select", "routing_policies", "error")); got != 1 {
		t.Errorf("error queries = %v, want 1", got)
	}
}

func TestSQLStore_Put(t *testing.T) {
	mock, store := setupMockStore(t)
	mock.ExpectExec(`INSERT INTO routing_policies .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("refunds", "Refunds", "slack", "", "openai", 2, true, `{"model":"gpt-4o"}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Put(context.Background(), Record{
		ID: "refunds", Name: "Refunds", Channel: "Slack", Provider: "OpenAI", Priority: 2,
		Config: []byte(`{"model":"gpt-4o"}`),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(context.Background(), Record{ID: "bad", Provider: "openai", Config: []byte(`42`)}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("invalid config err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileYAML(t *testing.T) {
	path := writeFile(t, "policies.yaml", `
policies:
  - id: orders
    provider: primary
    priority: 1
    config:
      model: gpt-4o
      conditions:
        pattern: /order/i
      enabled_tools: [lookup_order, issue_refund]
  - id: general
    provider: secondary
    priority: 5
    config: '{"model": "claude-3-5-haiku"}'
  - id: retired
    provider: secondary
    priority: 0
    active: false
`)
	store, err := LoadMemoryStore(path)
	if err != nil {
		t.Fatalf("LoadMemoryStore: %v", err)
	}
	got, _ := store.ListActivePolicies(context.Background(), models.ChannelWeb, "")
	if ids(got) != "orders,general" {
		t.Fatalf("policies = %s", ids(got))
	}
	if got[1].Model != "claude-3-5-haiku" {
		t.Errorf("string config not decoded: %+v", got[1])
	}
	if len(store.All()) != 3 {
		t.Errorf("All() = %d, want 3", len(store.All()))
	}
}

func TestLoadFileJSON5(t *testing.T) {
	path := writeFile(t, "policies.json5", `[
		// comments are allowed
		{id: "a", provider: "ollama", priority: 1, config: {model: "llama3"}},
	]`)
	records, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(records) != 1 || records[0].ID != "a" {
		t.Fatalf("records = %+v", records)
	}
}

func TestBuildPoliciesReportsEveryError(t *testing.T) {
	_, err := BuildPolicies([]Record{
		{ID: "a", Provider: "openai"},
		{ID: "a", Provider: "openai"},
		{ID: "b", Provider: "openai", Config: []byte(`true`)},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "duplicate policy id") || !strings.Contains(msg, "policy b") {
		t.Errorf("err = %v", err)
	}
}

type countingStore struct {
	calls atomic.Int32
}

func (c *countingStore) ListActivePolicies(_ context.Context, channel models.ChannelType, _ string) ([]models.RoutingPolicy, error) {
	c.calls.Add(1)
	return []models.RoutingPolicy{{ID: string(channel), Active: true}}, nil
}

func TestCachedStore(t *testing.T) {
	next := &countingStore{}
	store := NewCachedStore(next, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := store.ListActivePolicies(ctx, models.ChannelSlack, "")
		if err != nil || ids(got) != "slack" {
			t.Fatalf("got %s, %v", ids(got), err)
		}
		got[0].ID = "mutated"
	}
	if _, err := store.ListActivePolicies(ctx, models.ChannelSMS, ""); err != nil {
		t.Fatal(err)
	}
	if n := next.calls.Load(); n != 2 {
		t.Errorf("underlying calls = %d, want 2", n)
	}

	store.(*CachedStore).Invalidate()
	_, _ = store.ListActivePolicies(ctx, models.ChannelSlack, "")
	if n := next.calls.Load(); n != 3 {
		t.Errorf("underlying calls after invalidate = %d, want 3", n)
	}

	if NewCachedStore(next, 0) != next {
		t.Error("zero ttl should return the wrapped store")
	}
}
