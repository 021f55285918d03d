package sessions

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/flowgate/pkg/models"
)

// MemoryStore keeps sessions and history in process memory.
//
// Thread Safety:
// MemoryStore is safe for concurrent use. Appends to one session are
// serialized by a SessionLocker.
type MemoryStore struct {
	mu      sync.RWMutex
	byKey   map[string]*models.Session
	byID    map[string]*models.Session
	history map[string][]models.Turn
	locker  *SessionLocker
	opts    storeOptions
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := applyOptions(opts)
	return &MemoryStore{
		byKey:   make(map[string]*models.Session),
		byID:    make(map[string]*models.Session),
		history: make(map[string][]models.Turn),
		locker:  NewSessionLocker(o.lockTimeout),
		opts:    o,
	}
}

// GetOrCreate returns the session for key, creating it on first use.
func (s *MemoryStore) GetOrCreate(ctx context.Context, key string) (*models.Session, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, wrapErr("get_or_create", errors.New("session key is required"))
	}
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("get_or_create", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byKey[key]; ok {
		return cloneSession(existing), nil
	}
	now := s.opts.now()
	session := &models.Session{
		ID:        uuid.NewString(),
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.byKey[key] = session
	s.byID[session.ID] = session
	return cloneSession(session), nil
}

// AppendTurn appends a user or assistant turn.
func (s *MemoryStore) AppendTurn(ctx context.Context, session *models.Session, role models.Role, content string, toolCalls []models.ToolCall) error {
	return s.append(ctx, "append_turn", session, models.Turn{
		Role:      role,
		Content:   content,
		ToolCalls: cloneToolCalls(toolCalls),
	})
}

// AppendToolExecution appends a tool outcome as a tool turn.
func (s *MemoryStore) AppendToolExecution(ctx context.Context, session *models.Session, record models.ToolExecutionRecord) error {
	rec := record
	return s.append(ctx, "append_tool_execution", session, models.Turn{
		Role:          models.RoleTool,
		ToolExecution: &rec,
	})
}

func (s *MemoryStore) append(ctx context.Context, op string, session *models.Session, turn models.Turn) error {
	if session == nil || session.ID == "" {
		return wrapErr(op, errors.New("session is required"))
	}
	err := s.locker.withLock(ctx, session.ID, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		stored, ok := s.byID[session.ID]
		if !ok {
			return ErrSessionNotFound
		}
		now := s.opts.now()
		turn.ID = uuid.NewString()
		turn.SessionID = session.ID
		turn.CreatedAt = now
		s.history[session.ID] = append(s.history[session.ID], turn)
		stored.UpdatedAt = now
		return nil
	})
	return wrapErr(op, err)
}

// History returns the session's turns in append order.
func (s *MemoryStore) History(ctx context.Context, session *models.Session) ([]models.Turn, error) {
	if session == nil || session.ID == "" {
		return nil, wrapErr("history", errors.New("session is required"))
	}
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("history", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.byID[session.ID]; !ok {
		return nil, wrapErr("history", ErrSessionNotFound)
	}
	turns := s.history[session.ID]
	out := make([]models.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// FormatForPrompt renders turns within the store's budget.
func (s *MemoryStore) FormatForPrompt(turns []models.Turn) string {
	return FormatTurns(turns, s.opts.format)
}

func cloneSession(s *models.Session) *models.Session {
	out := *s
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
