//go:build postgres

package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS gate_sessions (
	id          TEXT PRIMARY KEY,
	username    TEXT NOT NULL DEFAULT '',
	attributes  JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gate_sessions_expires_at ON gate_sessions(expires_at);
`

// PostgresStore is a PostgreSQL-backed implementation of Store.
type PostgresStore struct {
	pool    *pgxpool.Pool
	ownPool bool
}

// NewPostgresStore connects to connStr and creates the session table if needed.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool, ownPool: true}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromPool creates a session store using an existing pool.
func NewPostgresStoreFromPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.ownPool {
		s.pool.Close()
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Save(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return ErrInvalidSession
	}

	attrs, err := marshalAttributes(session.Attributes)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO gate_sessions (id, username, attributes, created_at, expires_at)
		VALUES ($1, $2, $3::jsonb, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			attributes = EXCLUDED.attributes,
			expires_at = EXCLUDED.expires_at`,
		session.ID, session.Username, attrs, session.CreatedAt, session.ExpiresAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}

	var session Session
	var attrs []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, attributes, created_at, expires_at
		FROM gate_sessions WHERE id = $1`, id).
		Scan(&session.ID, &session.Username, &attrs, &session.CreatedAt, &session.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if len(attrs) > 0 {
		_ = json.Unmarshal(attrs, &session.Attributes)
	}
	if len(session.Attributes) == 0 {
		session.Attributes = nil
	}

	if session.IsExpired() {
		return nil, ErrSessionExpired
	}
	return &session, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrSessionNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM gate_sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) Cleanup(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM gate_sessions WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
