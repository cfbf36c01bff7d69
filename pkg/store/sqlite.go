package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteAuditStore is a durable single-node AuditStore backed by an embedded
// SQLite database.
type SQLiteAuditStore struct {
	db *sql.DB
}

// OpenSQLiteAuditStore opens (or creates) the audit database at path.
func OpenSQLiteAuditStore(path string) (*SQLiteAuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open audit db: %w", err)
	}
	// modernc.org/sqlite serializes writes itself; a single connection
	// avoids SQLITE_BUSY under concurrent recording.
	db.SetMaxOpenConns(1)

	s := &SQLiteAuditStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteAuditStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		intent_type TEXT NOT NULL,
		resource TEXT NOT NULL,
		action TEXT NOT NULL,
		author TEXT NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT NOT NULL,
		decision_hash TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_type_resource_time ON decisions(intent_type, resource, created_at);
	`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteAuditStore) RecordDecision(ctx context.Context, rec *DecisionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, intent_type, resource, action, author, decision, reason, decision_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.IntentType, rec.Resource, rec.Action, rec.Author, rec.Decision, rec.Reason, rec.DecisionHash,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: failed to insert decision: %w", err)
	}
	return nil
}

func (s *SQLiteAuditStore) RecentActivityCount(ctx context.Context, intentType, resource string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM decisions
		WHERE intent_type = ? AND resource = ? AND decision IN ('accept', 'hold') AND created_at >= ?
	`, intentType, resource, since.UTC().Format(time.RFC3339Nano)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: failed to count activity: %w", err)
	}
	return count, nil
}

func (s *SQLiteAuditStore) DecisionHistory(ctx context.Context, limit int) ([]*DecisionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, intent_type, resource, action, author, decision, reason, decision_hash, created_at
		FROM decisions
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*DecisionRecord
	for rows.Next() {
		var (
			rec       DecisionRecord
			hash      sql.NullString
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.IntentType, &rec.Resource, &rec.Action, &rec.Author,
			&rec.Decision, &rec.Reason, &hash, &createdAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan decision: %w", err)
		}
		rec.DecisionHash = hash.String
		rec.CreatedAt = parseTime(createdAt)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteAuditStore) Metrics(ctx context.Context) (*Metrics, error) {
	metrics := &Metrics{
		ByDecision: make(map[string]int64),
		ByReason:   make(map[string]int64),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT decision, reason, COUNT(*) FROM decisions GROUP BY decision, reason
	`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			decision string
			reason   string
			n        int64
		)
		if err := rows.Scan(&decision, &reason, &n); err != nil {
			return nil, fmt.Errorf("store: failed to scan metrics: %w", err)
		}
		metrics.TotalDecisions += n
		metrics.ByDecision[decision] += n
		metrics.ByReason[reason] += n
	}
	return metrics, rows.Err()
}

func (s *SQLiteAuditStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteAuditStore) Close() error {
	return s.db.Close()
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
