package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/flowgate/internal/storage"
	"github.com/haasonsaas/flowgate/pkg/models"
)

var migrations = []storage.Migration{
	{
		ID: "sessions_001_init",
		Postgres: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				session_key TEXT NOT NULL UNIQUE,
				channel TEXT,
				metadata JSONB,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS session_turns (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				seq BIGINT NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				tool_calls JSONB,
				tool_execution JSONB,
				created_at TIMESTAMPTZ NOT NULL,
				UNIQUE (session_id, seq)
			)`,
		},
		SQLite: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				session_key TEXT NOT NULL UNIQUE,
				channel TEXT,
				metadata TEXT,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS session_turns (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				seq INTEGER NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				tool_calls TEXT,
				tool_execution TEXT,
				created_at TIMESTAMP NOT NULL,
				UNIQUE (session_id, seq)
			)`,
		},
	},
}

// SQLStore persists sessions in Postgres or SQLite.
//
// Thread Safety:
// SQLStore is safe for concurrent use. Appends to one session are serialized
// within the process; across processes the (session_id, seq) constraint
// rejects interleaved writers.
type SQLStore struct {
	db     *storage.DB
	locker *SessionLocker
	opts   storeOptions
}

// NewSQLStore creates a store on an open database.
func NewSQLStore(db *storage.DB, opts ...Option) (*SQLStore, error) {
	if db == nil || db.DB == nil {
		return nil, errors.New("db is required")
	}
	o := applyOptions(opts)
	return &SQLStore{
		db:     db,
		locker: NewSessionLocker(o.lockTimeout),
		opts:   o,
	}, nil
}

// Migrate creates the session tables.
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.Migrate(ctx, migrations)
	return err
}

func (s *SQLStore) q(query string) string {
	return s.db.Dialect.Rebind(query)
}

// GetOrCreate returns the session for key, creating it on first use.
func (s *SQLStore) GetOrCreate(ctx context.Context, key string) (*models.Session, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, wrapErr("get_or_create", errors.New("session key is required"))
	}
	now := s.opts.now().UTC()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sessions (id, session_key, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_key) DO NOTHING
	`), uuid.NewString(), key, now, now)
	if err != nil {
		return nil, wrapErr("get_or_create", fmt.Errorf("insert session: %w", err))
	}

	session, err := s.getByKey(ctx, key)
	if err != nil {
		return nil, wrapErr("get_or_create", err)
	}
	return session, nil
}

func (s *SQLStore) getByKey(ctx context.Context, key string) (*models.Session, error) {
	var (
		session  models.Session
		channel  sql.NullString
		metadata []byte
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, session_key, channel, metadata, created_at, updated_at
		FROM sessions WHERE session_key = ?
	`), key).Scan(&session.ID, &session.Key, &channel, &metadata, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	session.Channel = models.ChannelType(channel.String)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &session.Metadata); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	return &session, nil
}

// AppendTurn appends a user or assistant turn.
func (s *SQLStore) AppendTurn(ctx context.Context, session *models.Session, role models.Role, content string, toolCalls []models.ToolCall) error {
	var calls []byte
	if len(toolCalls) > 0 {
		var err error
		if calls, err = json.Marshal(toolCalls); err != nil {
			return wrapErr("append_turn", fmt.Errorf("encode tool calls: %w", err))
		}
	}
	return wrapErr("append_turn", s.append(ctx, session, role, content, calls, nil))
}

// AppendToolExecution appends a tool outcome as a tool turn.
func (s *SQLStore) AppendToolExecution(ctx context.Context, session *models.Session, record models.ToolExecutionRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return wrapErr("append_tool_execution", fmt.Errorf("encode tool execution: %w", err))
	}
	return wrapErr("append_tool_execution", s.append(ctx, session, models.RoleTool, "", nil, payload))
}

func (s *SQLStore) append(ctx context.Context, session *models.Session, role models.Role, content string, toolCalls, toolExec []byte) error {
	if session == nil || session.ID == "" {
		return errors.New("session is required")
	}
	return s.locker.withLock(ctx, session.ID, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.opts.now().UTC()
		res, err := tx.ExecContext(ctx, s.q(`UPDATE sessions SET updated_at = ? WHERE id = ?`), now, session.ID)
		if err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrSessionNotFound
		}

		var seq int64
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(seq), 0) + 1 FROM session_turns WHERE session_id = ?`), session.ID).Scan(&seq); err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}

		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO session_turns (id, session_id, seq, role, content, tool_calls, tool_execution, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`), uuid.NewString(), session.ID, seq, string(role), content, nullJSON(toolCalls), nullJSON(toolExec), now)
		if err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

// History returns the session's turns in append order.
func (s *SQLStore) History(ctx context.Context, session *models.Session) ([]models.Turn, error) {
	if session == nil || session.ID == "" {
		return nil, wrapErr("history", errors.New("session is required"))
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, role, content, tool_calls, tool_execution, created_at
		FROM session_turns WHERE session_id = ? ORDER BY seq
	`), session.ID)
	if err != nil {
		return nil, wrapErr("history", fmt.Errorf("query history: %w", err))
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		var (
			turn     models.Turn
			role     string
			calls    []byte
			toolExec []byte
		)
		if err := rows.Scan(&turn.ID, &role, &turn.Content, &calls, &toolExec, &turn.CreatedAt); err != nil {
			return nil, wrapErr("history", fmt.Errorf("scan turn: %w", err))
		}
		turn.SessionID = session.ID
		turn.Role = models.Role(role)
		if len(calls) > 0 {
			if err := json.Unmarshal(calls, &turn.ToolCalls); err != nil {
				return nil, wrapErr("history", fmt.Errorf("decode tool calls: %w", err))
			}
		}
		if len(toolExec) > 0 {
			var rec models.ToolExecutionRecord
			if err := json.Unmarshal(toolExec, &rec); err != nil {
				return nil, wrapErr("history", fmt.Errorf("decode tool execution: %w", err))
			}
			turn.ToolExecution = &rec
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("history", fmt.Errorf("iterate history: %w", err))
	}
	return turns, nil
}

// FormatForPrompt renders turns within the store's budget.
func (s *SQLStore) FormatForPrompt(turns []models.Turn) string {
	return FormatTurns(turns, s.opts.format)
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
