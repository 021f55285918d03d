package policies

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/flowgate/internal/observability"
	"github.com/haasonsaas/flowgate/internal/storage"
	"github.com/haasonsaas/flowgate/pkg/models"
)

var migrations = []storage.Migration{
	{
		ID: "policies_001_init",
		Postgres: []string{
			`CREATE TABLE IF NOT EXISTS routing_policies (
				id TEXT PRIMARY KEY,
				name TEXT,
				channel TEXT NOT NULL DEFAULT '',
				channel_instance_id TEXT NOT NULL DEFAULT '',
				provider TEXT NOT NULL,
				priority INTEGER NOT NULL DEFAULT 0,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				config JSONB,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS routing_policies_scope_idx
				ON routing_policies (channel, channel_instance_id, priority)`,
		},
		SQLite: []string{
			`CREATE TABLE IF NOT EXISTS routing_policies (
				id TEXT PRIMARY KEY,
				name TEXT,
				channel TEXT NOT NULL DEFAULT '',
				channel_instance_id TEXT NOT NULL DEFAULT '',
				provider TEXT NOT NULL,
				priority INTEGER NOT NULL DEFAULT 0,
				active BOOLEAN NOT NULL DEFAULT 1,
				config TEXT,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS routing_policies_scope_idx
				ON routing_policies (channel, channel_instance_id, priority)`,
		},
	},
}

const selectPolicies = `
	SELECT id, name, channel, channel_instance_id, provider, priority, config
	FROM routing_policies
	WHERE active = TRUE AND `

// SQLStore reads routing policies from Postgres or SQLite.
type SQLStore struct {
	db      *storage.DB
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewSQLStore creates a store on an open database.
func NewSQLStore(db *storage.DB, logger *slog.Logger) (*SQLStore, error) {
	if db == nil || db.DB == nil {
		return nil, errors.New("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{db: db, logger: logger.With("component", "policy_store")}, nil
}

// WithMetrics records query latency on m.
func (s *SQLStore) WithMetrics(m *observability.Metrics) *SQLStore {
	s.metrics = m
	return s
}

// Migrate creates the policy table.
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.Migrate(ctx, migrations)
	return err
}

// ListActivePolicies returns active policies bound to channel and instanceID,
// ordered by priority. When none are bound to the instance, channel-wide and
// global policies are returned instead. Rows whose flow config fails
// normalization are skipped and logged.
func (s *SQLStore) ListActivePolicies(ctx context.Context, channel models.ChannelType, instanceID string) ([]models.RoutingPolicy, error) {
	instanceID = strings.TrimSpace(instanceID)
	if instanceID != "" {
		scoped, err := s.query(ctx, `channel = ? AND channel_instance_id = ?`, string(channel), instanceID)
		if err != nil {
			return nil, err
		}
		if len(scoped) > 0 {
			return scoped, nil
		}
		s.logger.Debug("no instance-scoped policies, using channel defaults",
			"channel", channel,
			"instance_id", instanceID,
		)
	}
	return s.query(ctx, `(channel = ? OR channel = '') AND channel_instance_id = ''`, string(channel))
}

func (s *SQLStore) query(ctx context.Context, where string, args ...any) (_ []models.RoutingPolicy, err error) {
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordDatabaseQuery("select", "routing_policies", status, time.Since(start).Seconds())
	}()

	rows, err := s.db.QueryContext(ctx, s.db.Dialect.Rebind(selectPolicies+where+` ORDER BY priority, id`), args...)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	var policies []models.RoutingPolicy
	for rows.Next() {
		var (
			rec  Record
			name sql.NullString
			cfg  []byte
		)
		if err := rows.Scan(&rec.ID, &name, &rec.Channel, &rec.ChannelInstanceID, &rec.Provider, &rec.Priority, &cfg); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		rec.Name = name.String
		rec.Config = cfg

		policy, err := rec.ToPolicy()
		if err != nil {
			s.logger.Warn("skipping policy with invalid config",
				"policy_id", rec.ID,
				"error", err,
			)
			continue
		}
		policies = append(policies, policy)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policies: %w", err)
	}
	return policies, nil
}

// Put inserts or replaces a policy record after validating its config.
func (s *SQLStore) Put(ctx context.Context, rec Record) error {
	if _, err := rec.ToPolicy(); err != nil {
		return err
	}
	active := true
	if rec.Active != nil {
		active = *rec.Active
	}
	var cfg any
	if len(rec.Config) > 0 {
		cfg = string(rec.Config)
	}
	_, err := s.db.ExecContext(ctx, s.db.Dialect.Rebind(`
		INSERT INTO routing_policies (id, name, channel, channel_instance_id, provider, priority, active, config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			channel = excluded.channel,
			channel_instance_id = excluded.channel_instance_id,
			provider = excluded.provider,
			priority = excluded.priority,
			active = excluded.active,
			config = excluded.config
	`), strings.TrimSpace(rec.ID), rec.Name, strings.ToLower(strings.TrimSpace(rec.Channel)),
		strings.TrimSpace(rec.ChannelInstanceID), strings.ToLower(strings.TrimSpace(rec.Provider)),
		rec.Priority, active, cfg)
	if err != nil {
		return fmt.Errorf("upsert policy %s: %w", rec.ID, err)
	}
	return nil
}
