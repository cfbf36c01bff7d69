package budget

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore implements Storage with PostgreSQL. Update serializes via
// SELECT ... FOR UPDATE on the session row, so concurrent consume calls on
// one session are totally ordered.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS budget_sessions (
	id TEXT PRIMARY KEY,
	usd_cap DOUBLE PRECISION NOT NULL,
	rpm INTEGER NOT NULL,
	spent_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	tags JSONB,
	window JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	stopped_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_budget_sessions_state ON budget_sessions(state);
`

// Init creates the necessary database tables.
func (p *PostgresStore) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	tags, err := json.Marshal(s.Tags)
	if err != nil {
		return fmt.Errorf("budget: failed to marshal tags: %w", err)
	}
	window, err := json.Marshal(s.Window)
	if err != nil {
		return fmt.Errorf("budget: failed to marshal window: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO budget_sessions (id, usd_cap, rpm, spent_usd, state, tags, window, created_at, stopped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.ID, s.USDCap, s.RPM, s.SpentUSD, string(s.State), tags, window, s.CreatedAt, s.StoppedAt)
	if err != nil {
		return fmt.Errorf("budget: failed to insert session: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, usd_cap, rpm, spent_usd, state, tags, window, created_at, stopped_at
		FROM budget_sessions WHERE id = $1
	`, id)
	return scanSession(row)
}

func (p *PostgresStore) Update(ctx context.Context, id string, fn func(*Session) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("budget: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, usd_cap, rpm, spent_usd, state, tags, window, created_at, stopped_at
		FROM budget_sessions WHERE id = $1 FOR UPDATE
	`, id)
	s, err := scanSession(row)
	if err != nil {
		return err
	}

	if err := fn(s); err != nil {
		return err
	}

	tags, err := json.Marshal(s.Tags)
	if err != nil {
		return fmt.Errorf("budget: failed to marshal tags: %w", err)
	}
	window, err := json.Marshal(s.Window)
	if err != nil {
		return fmt.Errorf("budget: failed to marshal window: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE budget_sessions
		SET spent_usd = $2, state = $3, tags = $4, window = $5, stopped_at = $6
		WHERE id = $1
	`, s.ID, s.SpentUSD, string(s.State), tags, window, s.StoppedAt)
	if err != nil {
		return fmt.Errorf("budget: failed to update session: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) Counts(ctx context.Context) (int, error) {
	var active int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM budget_sessions WHERE state = $1
	`, string(StateActive)).Scan(&active)
	if err != nil {
		return 0, fmt.Errorf("budget: failed to count sessions: %w", err)
	}
	return active, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s         Session
		state     string
		tags      []byte
		window    []byte
		stoppedAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.USDCap, &s.RPM, &s.SpentUSD, &state, &tags, &window, &s.CreatedAt, &stoppedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("budget: failed to scan session: %w", err)
	}

	s.State = State(state)
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &s.Tags); err != nil {
			return nil, fmt.Errorf("budget: failed to unmarshal tags: %w", err)
		}
	}
	if len(window) > 0 {
		if err := json.Unmarshal(window, &s.Window); err != nil {
			return nil, fmt.Errorf("budget: failed to unmarshal window: %w", err)
		}
	}
	if stoppedAt.Valid {
		t := stoppedAt.Time
		s.StoppedAt = &t
	}
	return &s, nil
}
