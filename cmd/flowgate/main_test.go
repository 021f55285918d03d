package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/flowgate/internal/agent"
	"github.com/haasonsaas/flowgate/internal/agent/providers"
	"github.com/haasonsaas/flowgate/internal/config"
	"github.com/haasonsaas/flowgate/internal/server"
	"github.com/haasonsaas/flowgate/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "route", "health", "config", "policies", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("FLOWGATE_CONFIG", "")
	if got := resolveConfigPath(""); got != defaultConfigPath {
		t.Errorf("empty path = %q", got)
	}
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Errorf("explicit path = %q", got)
	}
	t.Setenv("FLOWGATE_CONFIG", "/etc/flowgate/prod.yaml")
	if got := resolveConfigPath(defaultConfigPath); got != "/etc/flowgate/prod.yaml" {
		t.Errorf("env path = %q", got)
	}
}

const staticConfig = `
providers:
  primary:
    kind: openai
    api_key: sk-test
    priority: 1
  secondary:
    kind: ollama
    priority: 2
routing:
  mode: static
  default: {provider: secondary, model: llama3.1}
  rules:
    - name: refunds
      weight: 10
      provider: primary
      model: gpt-4o
      conditions: {pattern: /refund/i}
      enabled_tools: [provider_health]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigCommands(t *testing.T) {
	path := writeFile(t, t.TempDir(), "flowgate.yaml", staticConfig)

	out, err := execute(t, "config", "validate", "--config", path)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	for _, want := range []string{"Config OK", "primary, secondary", "routing mode: static", "rules:        1"} {
		if !strings.Contains(out, want) {
			t.Errorf("validate output missing %q:\n%s", want, out)
		}
	}

	bad := writeFile(t, t.TempDir(), "flowgate.yaml", "routing: {mode: static}\n")
	if _, err := execute(t, "config", "validate", "--config", bad); err == nil {
		t.Error("expected validation error")
	}

	out, err = execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema: %v", err)
	}
	if !json.Valid([]byte(out)) || !strings.Contains(out, `"routing"`) {
		t.Errorf("schema output is not the config schema")
	}
}

func TestRouteCommandStatic(t *testing.T) {
	path := writeFile(t, t.TempDir(), "flowgate.yaml", staticConfig)

	out, err := execute(t, "route", "--config", path, "--channel", "web", "--sender", "u1", "I want a REFUND")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	var decision models.RoutingDecision
	if err := json.Unmarshal([]byte(out), &decision); err != nil {
		t.Fatalf("decode decision: %v\n%s", err, out)
	}
	if decision.Provider != "primary" || decision.RuleName != "refunds" || !decision.Matched {
		t.Errorf("decision = %+v", decision)
	}

	out, err = execute(t, "route", "--config", path, "hello")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &decision); err != nil {
		t.Fatal(err)
	}
	if decision.Provider != "secondary" || decision.Matched {
		t.Errorf("default decision = %+v", decision)
	}
}

const policyFile = `
policies:
  - id: vip
    provider: primary
    priority: 1
    config:
      model: gpt-4o
      conditions: {segment: vip}
  - id: general
    provider: secondary
    priority: 5
`

func TestRouteCommandDynamicFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "policies.yaml", policyFile)
	path := writeFile(t, dir, "flowgate.yaml", `
providers:
  primary: {kind: openai, api_key: sk-test}
  secondary: {kind: ollama}
policies:
  file: `+filepath.Join(dir, "policies.yaml")+`
`)

	out, err := execute(t, "route", "--config", path, "--segment", "vip", "hi")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	var decision models.RoutingDecision
	if err := json.Unmarshal([]byte(out), &decision); err != nil {
		t.Fatal(err)
	}
	if decision.PolicyID() != "vip" || decision.Mode != models.RoutingModeDynamic {
		t.Errorf("decision = %+v", decision)
	}
}

func TestPoliciesCommands(t *testing.T) {
	dir := t.TempDir()
	policies := writeFile(t, dir, "policies.yaml", policyFile)

	out, err := execute(t, "policies", "validate", policies)
	if err != nil {
		t.Fatalf("policies validate: %v", err)
	}
	if !strings.Contains(out, "2 policies OK") {
		t.Errorf("validate output:\n%s", out)
	}

	path := writeFile(t, dir, "flowgate.yaml", `
providers:
  primary: {kind: openai, api_key: sk-test}
  secondary: {kind: ollama}
database:
  driver: sqlite
  dsn: file:`+filepath.Join(dir, "flowgate.db")+`
`)
	out, err = execute(t, "policies", "import", "--config", path, policies)
	if err != nil {
		t.Fatalf("policies import: %v", err)
	}
	if !strings.Contains(out, "Imported 2 policies") {
		t.Errorf("import output: %s", out)
	}

	// Importing twice upserts.
	if _, err := execute(t, "policies", "import", "--config", path, policies); err != nil {
		t.Fatalf("second import: %v", err)
	}

	out, err = execute(t, "route", "--config", path, "--channel", "web", "hello")
	if err != nil {
		t.Fatalf("route against sql store: %v", err)
	}
	var decision models.RoutingDecision
	if err := json.Unmarshal([]byte(out), &decision); err != nil {
		t.Fatal(err)
	}
	if decision.PolicyID() != "general" || decision.Provider != "secondary" {
		t.Errorf("decision = %+v", decision)
	}

	out, err = execute(t, "policies", "schema")
	if err != nil || !strings.Contains(out, "enabled_tools") {
		t.Errorf("policies schema: %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "flowgate "+version) {
		t.Errorf("version output = %q", out)
	}
}

type echoProvider struct {
	name string
	kind models.ProviderKind
}

func (p *echoProvider) Name() string              { return p.name }
func (p *echoProvider) Kind() models.ProviderKind { return p.kind }
func (p *echoProvider) Capabilities() models.ProviderCapabilities {
	return models.ProviderCapabilities{}
}

func (p *echoProvider) Complete(_ context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	last := req.Messages[len(req.Messages)-1]
	return &agent.CompletionResponse{
		Content: p.name + " says: " + last.Content,
		Model:   req.Model,
		Usage:   models.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func TestAppServesMessages(t *testing.T) {
	cfg, err := config.Load(writeFile(t, t.TempDir(), "flowgate.yaml", staticConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	factory := func(kind models.ProviderKind, opts providers.Config) (agent.Provider, error) {
		return &echoProvider{name: opts.Name, kind: kind}, nil
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := newApp(context.Background(), cfg, logger, appOptions{newProvider: factory})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close(context.Background())

	if a.static == nil {
		t.Fatal("static router should be exposed for rule reloads")
	}
	if got := a.gateway.Providers(); len(got) != 2 {
		t.Fatalf("providers = %v", got)
	}
	if _, ok := a.tools.Get("provider_health"); !ok {
		t.Error("provider_health tool not registered")
	}

	srv, err := server.New(server.Config{
		Pipeline:    a.pipeline,
		Router:      a.router,
		Providers:   a.gateway,
		Metrics:     a.metrics,
		Tracer:      a.tracer,
		MetricsPath: "/metrics",
		Gatherer:    a.registry,
		Logger:      logger,
	})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"channel":"web","sender_id":"u1","content":"refund please"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var result models.ProcessingResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v\n%s", err, rec.Body.String())
	}
	if result.State != models.StateResultFinalized {
		t.Fatalf("state = %s, error = %+v", result.State, result.Error)
	}
	if result.Provider != "primary" || result.PolicyID != "refunds" {
		t.Errorf("result = %+v", result)
	}
	if !strings.HasPrefix(result.Content, "primary says:") {
		t.Errorf("content = %q", result.Content)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "flowgate_messages_total") {
		t.Error("metrics endpoint missing pipeline counters")
	}

	// Reloaded rules take effect without rebuilding the app.
	a.static.SetRules(nil)
	decision, err := a.router.Route(context.Background(), &models.IncomingMessage{Channel: models.ChannelWeb, SenderID: "u1", Content: "refund please"})
	if err != nil {
		t.Fatal(err)
	}
	if decision.Provider != "secondary" {
		t.Errorf("after reload provider = %s", decision.Provider)
	}
}
