package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/haasonsaas/flowgate/pkg/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubTools is a ToolRegistry backed by functions keyed by tool name.
type stubTools struct {
	mu      sync.Mutex
	defs    []ToolDefinition
	funcs   map[string]func(ctx context.Context, params json.RawMessage) (string, error)
	calls   []string
	listErr error
}

func newStubTools() *stubTools {
	return &stubTools{funcs: map[string]func(context.Context, json.RawMessage) (string, error){}}
}

func (s *stubTools) add(name string, fn func(ctx context.Context, params json.RawMessage) (string, error)) *stubTools {
	s.defs = append(s.defs, ToolDefinition{Name: name, Description: name + " tool"})
	s.funcs[name] = fn
	return s
}

func (s *stubTools) ListAvailable(ctx context.Context, channel models.ChannelType) ([]ToolDefinition, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]ToolDefinition(nil), s.defs...), nil
}

func (s *stubTools) Execute(ctx context.Context, name string, params json.RawMessage, execCtx ToolExecContext) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	fn, ok := s.funcs[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return fn(ctx, params)
}

func (s *stubTools) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func returns(out string) func(context.Context, json.RawMessage) (string, error) {
	return func(context.Context, json.RawMessage) (string, error) { return out, nil }
}

func fails(msg string) func(context.Context, json.RawMessage) (string, error) {
	return func(context.Context, json.RawMessage) (string, error) { return "", errors.New(msg) }
}

// memoryStore is a minimal ContextStore.
type memoryStore struct {
	mu         sync.Mutex
	sessions   map[string]*models.Session
	turns      map[string][]models.Turn
	getErr     error
	historyErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		sessions: map[string]*models.Session{},
		turns:    map[string][]models.Turn{},
	}
}

func (m *memoryStore) GetOrCreate(ctx context.Context, key string) (*models.Session, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s, nil
	}
	s := &models.Session{ID: "session-" + key, Key: key}
	m.sessions[key] = s
	return s, nil
}

func (m *memoryStore) AppendTurn(ctx context.Context, session *models.Session, role models.Role, content string, toolCalls []models.ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[session.ID] = append(m.turns[session.ID], models.Turn{
		SessionID: session.ID,
		Role:      role,
		Content:   content,
		ToolCalls: toolCalls,
	})
	return nil
}

func (m *memoryStore) AppendToolExecution(ctx context.Context, session *models.Session, record models.ToolExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := record
	m.turns[session.ID] = append(m.turns[session.ID], models.Turn{
		SessionID:     session.ID,
		Role:          models.RoleTool,
		Content:       record.Outcome(),
		ToolExecution: &rec,
	})
	return nil
}

func (m *memoryStore) History(ctx context.Context, session *models.Session) ([]models.Turn, error) {
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Turn(nil), m.turns[session.ID]...), nil
}

func (m *memoryStore) FormatForPrompt(turns []models.Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, string(t.Role)+": "+t.Content)
	}
	return strings.Join(lines, "\n")
}

func (m *memoryStore) toolRecords(sessionID string) []models.ToolExecutionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ToolExecutionRecord
	for _, t := range m.turns[sessionID] {
		if t.ToolExecution != nil {
			out = append(out, *t.ToolExecution)
		}
	}
	return out
}

func (m *memoryStore) roles(sessionID string) []models.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Role, 0, len(m.turns[sessionID]))
	for _, t := range m.turns[sessionID] {
		out = append(out, t.Role)
	}
	return out
}
