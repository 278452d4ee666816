package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devrev/meshcoord/internal/model"
)

// PostgresSessionArchive implements SessionArchive for PostgreSQL
type PostgresSessionArchive struct {
	pool   *pgxpool.Pool
	table  string
	logger *zap.Logger
}

// NewPostgresSessionArchive creates the archive and ensures its table exists
func NewPostgresSessionArchive(ctx context.Context, dsn string, maxConns int32, table string, logger *zap.Logger) (*PostgresSessionArchive, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	a := &PostgresSessionArchive{
		pool:   pool,
		table:  pgx.Identifier{table}.Sanitize(),
		logger: logger,
	}
	if err := a.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

func (a *PostgresSessionArchive) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			session_id  TEXT PRIMARY KEY,
			client_id   TEXT NOT NULL,
			mode        TEXT NOT NULL,
			owner_node  TEXT NOT NULL,
			start_time  TIMESTAMPTZ NOT NULL,
			end_time    TIMESTAMPTZ,
			metrics     JSONB,
			version     BIGINT NOT NULL,
			updated_at  TIMESTAMPTZ,
			archived_at TIMESTAMPTZ NOT NULL
		)
	`, a.table)

	if _, err := a.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create archive table: %w", err)
	}
	// tables created before updated_at was tracked
	alter := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS updated_at TIMESTAMPTZ`, a.table)
	if _, err := a.pool.Exec(ctx, alter); err != nil {
		return fmt.Errorf("failed to migrate archive table: %w", err)
	}
	return nil
}

func archiveUpsertQuery(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (session_id, client_id, mode, owner_node, start_time, end_time, metrics, version, updated_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO UPDATE SET
			end_time = EXCLUDED.end_time,
			metrics = EXCLUDED.metrics,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at,
			archived_at = EXCLUDED.archived_at
		WHERE %s.version <= EXCLUDED.version
	`, table, table)
}

func archiveSelectQuery(table string) string {
	return fmt.Sprintf(`
		SELECT session_id, client_id, mode, owner_node, start_time, end_time, metrics, version, updated_at, archived_at
		FROM %s
		WHERE session_id = $1
	`, table)
}

// ArchiveSession upserts a completed session
func (a *PostgresSessionArchive) ArchiveSession(ctx context.Context, session *model.SessionState) error {
	metrics, err := json.Marshal(session.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	now := time.Now().UTC()
	updatedAt := session.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	_, err = a.pool.Exec(ctx, archiveUpsertQuery(a.table),
		session.ID,
		session.ClientID,
		session.Mode,
		session.OwnerNode,
		session.StartTime,
		session.EndTime,
		string(metrics),
		session.Version,
		updatedAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to archive session: %w", err)
	}
	return nil
}

// GetArchivedSession retrieves an archived session
func (a *PostgresSessionArchive) GetArchivedSession(ctx context.Context, sessionID string) (*model.SessionState, error) {
	var (
		s          model.SessionState
		metrics    []byte
		updatedAt  *time.Time
		archivedAt time.Time
	)
	err := a.pool.QueryRow(ctx, archiveSelectQuery(a.table), sessionID).Scan(
		&s.ID,
		&s.ClientID,
		&s.Mode,
		&s.OwnerNode,
		&s.StartTime,
		&s.EndTime,
		&metrics,
		&s.Version,
		&updatedAt,
		&archivedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archived session: %w", err)
	}

	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &s.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
	}
	s.Status = model.SessionCompleted
	s.UpdatedAt = resolveUpdatedAt(updatedAt, s.EndTime, archivedAt)
	return &s, nil
}

// resolveUpdatedAt picks the stored update time, falling back to the end
// time and then the archive time for rows written without one
func resolveUpdatedAt(updatedAt, endTime *time.Time, archivedAt time.Time) time.Time {
	switch {
	case updatedAt != nil && !updatedAt.IsZero():
		return updatedAt.UTC()
	case endTime != nil && !endTime.IsZero():
		return endTime.UTC()
	default:
		return archivedAt.UTC()
	}
}

// Ping checks the database connection
func (a *PostgresSessionArchive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// Close closes the connection pool
func (a *PostgresSessionArchive) Close() {
	a.pool.Close()
}
