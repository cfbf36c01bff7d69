package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAuditStore is an in-process AuditStore for tests and single-node
// deployments. Records are kept in arrival order.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	records []*DecisionRecord
	clock   func() time.Time
}

// NewMemoryAuditStore creates an empty in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{clock: time.Now}
}

// WithClock overrides the clock for testing.
func (m *MemoryAuditStore) WithClock(clock func() time.Time) *MemoryAuditStore {
	m.clock = clock
	return m
}

func (m *MemoryAuditStore) RecordDecision(_ context.Context, rec *DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *rec
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.clock()
	}
	m.records = append(m.records, &stored)
	rec.ID = stored.ID
	rec.CreatedAt = stored.CreatedAt
	return nil
}

func (m *MemoryAuditStore) RecentActivityCount(_ context.Context, intentType, resource string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, r := range m.records {
		if r.IntentType != intentType || r.Resource != resource {
			continue
		}
		if !countsAsActivity(r.Decision) {
			continue
		}
		if r.CreatedAt.Before(since) {
			continue
		}
		count++
	}
	return count, nil
}

func (m *MemoryAuditStore) DecisionHistory(_ context.Context, limit int) ([]*DecisionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	out := make([]*DecisionRecord, 0, limit)
	// Newest first.
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := *m.records[i]
		out = append(out, &rec)
	}
	return out, nil
}

func (m *MemoryAuditStore) Metrics(_ context.Context) (*Metrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := &Metrics{
		TotalDecisions: int64(len(m.records)),
		ByDecision:     make(map[string]int64),
		ByReason:       make(map[string]int64),
	}
	for _, r := range m.records {
		metrics.ByDecision[r.Decision]++
		metrics.ByReason[r.Reason]++
	}
	return metrics, nil
}

func (m *MemoryAuditStore) Ping(_ context.Context) error { return nil }

func (m *MemoryAuditStore) Close() error { return nil }

// countsAsActivity reports whether a decision represents performed or
// scheduled activity for frequency-cap purposes.
func countsAsActivity(decision string) bool {
	return decision == "accept" || decision == "hold"
}
