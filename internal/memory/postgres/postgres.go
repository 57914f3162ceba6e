// Package postgres is a PostgreSQL-backed [memory.Store].
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/vocalis/internal/memory"
)

var _ memory.Store = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS vocalis_sessions (
    session_id      TEXT         PRIMARY KEY,
    last_question   TEXT         NOT NULL DEFAULT '',
    selected_files  TEXT[]       NOT NULL DEFAULT '{}',
    response_style  TEXT         NOT NULL DEFAULT '',
    updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS vocalis_turns (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    user_text   TEXT         NOT NULL DEFAULT '',
    reply       TEXT         NOT NULL DEFAULT '',
    action      TEXT         NOT NULL DEFAULT '',
    exit_code   INTEGER      NOT NULL DEFAULT 0,
    mode        TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_vocalis_turns_session_at
    ON vocalis_turns (session_id, at);
`

// Store holds a single connection pool. All methods are safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings the server and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the tables if they do not exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Load implements [memory.Store].
func (s *Store) Load(ctx context.Context, sessionID string) (memory.Snapshot, error) {
	const q = `
		SELECT last_question, selected_files, response_style, updated_at
		FROM   vocalis_sessions
		WHERE  session_id = $1`

	snap := memory.Snapshot{SessionID: sessionID}
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&snap.LastQuestion,
		&snap.SelectedFiles,
		&snap.ResponseStyle,
		&snap.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.Snapshot{}, memory.ErrNotFound
	}
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("postgres store: load: %w", err)
	}
	return snap, nil
}

// Save implements [memory.Store]. It upserts the snapshot.
func (s *Store) Save(ctx context.Context, snap memory.Snapshot) error {
	if snap.SessionID == "" {
		return errors.New("postgres store: empty session id")
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}
	files := snap.SelectedFiles
	if files == nil {
		files = []string{}
	}

	const q = `
		INSERT INTO vocalis_sessions
		    (session_id, last_question, selected_files, response_style, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
		    last_question  = EXCLUDED.last_question,
		    selected_files = EXCLUDED.selected_files,
		    response_style = EXCLUDED.response_style,
		    updated_at     = EXCLUDED.updated_at`

	if _, err := s.pool.Exec(ctx, q,
		snap.SessionID, snap.LastQuestion, files, snap.ResponseStyle, snap.UpdatedAt,
	); err != nil {
		return fmt.Errorf("postgres store: save: %w", err)
	}
	return nil
}

// AppendTurn implements [memory.Store].
func (s *Store) AppendTurn(ctx context.Context, sessionID string, t memory.TurnRecord) error {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	const q = `
		INSERT INTO vocalis_turns
		    (session_id, at, user_text, reply, action, exit_code, mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err := s.pool.Exec(ctx, q,
		sessionID, t.At, t.User, t.Reply, t.Action, t.ExitCode, t.Mode,
	); err != nil {
		return fmt.Errorf("postgres store: append turn: %w", err)
	}
	return nil
}

// Recent implements [memory.Store].
func (s *Store) Recent(ctx context.Context, sessionID string, n int) ([]memory.TurnRecord, error) {
	q := `
		SELECT at, user_text, reply, action, exit_code, mode
		FROM   vocalis_turns
		WHERE  session_id = $1
		ORDER  BY at DESC, id DESC`
	args := []any{sessionID}
	if n > 0 {
		q += "\nLIMIT $2"
		args = append(args, n)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.TurnRecord, error) {
		var t memory.TurnRecord
		err := row.Scan(&t.At, &t.User, &t.Reply, &t.Action, &t.ExitCode, &t.Mode)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan turns: %w", err)
	}
	// Newest first from the query; callers want chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	if turns == nil {
		turns = []memory.TurnRecord{}
	}
	return turns, nil
}
