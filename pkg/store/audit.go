// Package store persists the decision audit trail. The trail feeds the
// frequency-cap rolling counter, decision history queries, and the metrics
// surface.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for queries that match no records.
var ErrNotFound = errors.New("store: not found")

// DecisionRecord is one audited decision.
type DecisionRecord struct {
	ID           string    `json:"id"`
	IntentType   string    `json:"intent_type"`
	Resource     string    `json:"resource"`
	Action       string    `json:"action"`
	Author       string    `json:"author"`
	Decision     string    `json:"decision"`
	Reason       string    `json:"reason"`
	DecisionHash string    `json:"decision_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Metrics are audit-trail aggregates served on the metrics surface.
type Metrics struct {
	TotalDecisions int64            `json:"total_decisions"`
	ByDecision     map[string]int64 `json:"by_decision"`
	ByReason       map[string]int64 `json:"by_reason"`
}

// AuditStore records decisions and answers aggregate queries over them.
//
// RecentActivityCount counts decisions for one resource+type since a cutoff,
// restricted to decisions that represent performed or scheduled activity
// (accepted and held intents). Denied intents never consume frequency-cap
// budget.
type AuditStore interface {
	RecordDecision(ctx context.Context, rec *DecisionRecord) error
	RecentActivityCount(ctx context.Context, intentType, resource string, since time.Time) (int, error)
	DecisionHistory(ctx context.Context, limit int) ([]*DecisionRecord, error)
	Metrics(ctx context.Context) (*Metrics, error)
	Ping(ctx context.Context) error
	Close() error
}
