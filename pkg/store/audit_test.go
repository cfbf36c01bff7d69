package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshmind/referee/pkg/store"
)

func auditStores(t *testing.T) map[string]store.AuditStore {
	t.Helper()
	sqlite, err := store.OpenSQLiteAuditStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]store.AuditStore{
		"memory": store.NewMemoryAuditStore(),
		"sqlite": sqlite,
	}
}

func record(intentType, resource, decision, reason string, at time.Time) *store.DecisionRecord {
	return &store.DecisionRecord{
		IntentType: intentType,
		Resource:   resource,
		Action:     "send",
		Author:     "agent-1",
		Decision:   decision,
		Reason:     reason,
		CreatedAt:  at,
	}
}

func TestRecordAndHistory(t *testing.T) {
	for name, s := range auditStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			for i := 0; i < 5; i++ {
				rec := record("contact.email", "alice@example.com", "accept", "ok", base.Add(time.Duration(i)*time.Minute))
				require.NoError(t, s.RecordDecision(ctx, rec))
				assert.NotEmpty(t, rec.ID)
			}

			hist, err := s.DecisionHistory(ctx, 3)
			require.NoError(t, err)
			require.Len(t, hist, 3)
			// Newest first.
			assert.True(t, hist[0].CreatedAt.After(hist[2].CreatedAt))
		})
	}
}

func TestRecentActivityCount(t *testing.T) {
	for name, s := range auditStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			require.NoError(t, s.RecordDecision(ctx, record("contact.email", "alice@example.com", "accept", "ok", base)))
			require.NoError(t, s.RecordDecision(ctx, record("contact.email", "alice@example.com", "hold", "approval_required", base.Add(time.Minute))))
			// Denied decisions never consume frequency-cap budget.
			require.NoError(t, s.RecordDecision(ctx, record("contact.email", "alice@example.com", "deny", "incident_suppressed", base.Add(2*time.Minute))))
			// Different resource and different type are invisible to the key.
			require.NoError(t, s.RecordDecision(ctx, record("contact.email", "bob@example.com", "accept", "ok", base.Add(3*time.Minute))))
			require.NoError(t, s.RecordDecision(ctx, record("contact.sms", "alice@example.com", "accept", "ok", base.Add(4*time.Minute))))
			// Outside the window.
			require.NoError(t, s.RecordDecision(ctx, record("contact.email", "alice@example.com", "accept", "ok", base.Add(-49*time.Hour))))

			n, err := s.RecentActivityCount(ctx, "contact.email", "alice@example.com", base.Add(-48*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}
}

func TestMetrics(t *testing.T) {
	for name, s := range auditStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			require.NoError(t, s.RecordDecision(ctx, record("contact.email", "a@x", "accept", "ok", base)))
			require.NoError(t, s.RecordDecision(ctx, record("contact.email", "b@x", "accept", "ok", base)))
			require.NoError(t, s.RecordDecision(ctx, record("contact.sms", "c@x", "deny", "incident_suppressed", base)))

			m, err := s.Metrics(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(3), m.TotalDecisions)
			assert.Equal(t, int64(2), m.ByDecision["accept"])
			assert.Equal(t, int64(1), m.ByDecision["deny"])
			assert.Equal(t, int64(1), m.ByReason["incident_suppressed"])
		})
	}
}

func TestPing(t *testing.T) {
	for name, s := range auditStores(t) {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, s.Ping(context.Background()))
		})
	}
}
