package effects

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresLedger implements Ledger with PostgreSQL. Claim races are settled
// by INSERT ... ON CONFLICT DO NOTHING: the row insert wins for exactly one
// caller.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a new PostgreSQL-backed ledger.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS effect_claims (
	key TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	result BYTEA,
	deadline TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Init creates the necessary database tables.
func (p *PostgresLedger) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, ledgerSchema)
	return err
}

func (p *PostgresLedger) Claim(ctx context.Context, key string, ttl time.Duration) (*Claim, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	deadline := time.Now().Add(ttl)

	// Lapsed records are reclaimable regardless of state: a pending one
	// belongs to a crashed executor, a committed one is past its
	// deduplication window. Clear them so the insert below can win the key.
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM effect_claims WHERE key = $1 AND deadline < NOW()
	`, key)
	if err != nil {
		return nil, fmt.Errorf("effects: failed to clear lapsed claim: %w", err)
	}

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO effect_claims (key, state, deadline)
		VALUES ($1, 'pending', $2)
		ON CONFLICT (key) DO NOTHING
	`, key, deadline)
	if err != nil {
		return nil, fmt.Errorf("effects: failed to insert claim: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("effects: failed to read insert result: %w", err)
	}
	if inserted == 1 {
		return &Claim{Key: key, Status: StatusNew}, nil
	}

	var (
		state  string
		result []byte
	)
	err = p.db.QueryRowContext(ctx, `
		SELECT state, result FROM effect_claims WHERE key = $1
	`, key).Scan(&state, &result)
	if errors.Is(err, sql.ErrNoRows) {
		// The competing claim failed and vanished between our insert and
		// this read. Report in-flight, the caller retries.
		return &Claim{Key: key, Status: StatusDuplicateInFlight}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("effects: failed to read claim: %w", err)
	}

	if state == "committed" {
		return &Claim{Key: key, Status: StatusDuplicate, Result: result}, nil
	}
	return &Claim{Key: key, Status: StatusDuplicateInFlight}, nil
}

func (p *PostgresLedger) Commit(ctx context.Context, key string, result []byte) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE effect_claims SET state = 'committed', result = $2 WHERE key = $1
	`, key, result)
	if err != nil {
		return fmt.Errorf("effects: failed to commit claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("effects: failed to read commit result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresLedger) Fail(ctx context.Context, key string) error {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM effect_claims WHERE key = $1 AND state = 'pending'
	`, key)
	if err != nil {
		return fmt.Errorf("effects: failed to release claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("effects: failed to read release result: %w", err)
	}
	if n == 0 {
		// Either unknown or already committed. Distinguish so committed
		// results stay immutable without reporting an error.
		var state string
		err := p.db.QueryRowContext(ctx, `SELECT state FROM effect_claims WHERE key = $1`, key).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("effects: failed to read claim state: %w", err)
		}
	}
	return nil
}

func (p *PostgresLedger) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
