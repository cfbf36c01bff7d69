package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshmind/referee/pkg/policy"
	"github.com/meshmind/referee/pkg/referee"
)

const samplePolicy = `
version: "1.2.0"
frequency_caps:
  contact.email:
    window_hours: 48
    max_count: 1
  calendar.book:
    window_hours: 1
    max_count: 1
incidents:
  suppress_outreach: true
  suppressed_types:
    - payment.charge
approvals:
  high_value:
    require_if:
      - "amount > 1000.0"
limits:
  replan_limit: 3
  max_hold_ttl: 1800
  default_hold_ttl: 60
`

func TestParseValidDocument(t *testing.T) {
	snap, err := policy.Parse([]byte(samplePolicy))
	require.NoError(t, err)

	assert.Equal(t, "1.2.0", snap.Version().String())
	assert.NotEmpty(t, snap.Hash())

	cap, ok := snap.FrequencyCap("contact.email")
	require.True(t, ok)
	assert.Equal(t, 48, cap.WindowHours)
	assert.Equal(t, 1, cap.MaxCount)
	_, ok = snap.FrequencyCap("contact.sms")
	assert.False(t, ok)

	// suppress_outreach expands to all outreach types.
	assert.True(t, snap.IsSuppressed("contact.email"))
	assert.True(t, snap.IsSuppressed("contact.sms"))
	assert.True(t, snap.IsSuppressed("contact.call"))
	assert.True(t, snap.IsSuppressed("payment.charge"))
	assert.False(t, snap.IsSuppressed("calendar.book"))

	assert.Equal(t, 3, snap.Limits().ReplanLimit)
	assert.Equal(t, 1800, snap.Limits().MaxHoldTTL)
}

func TestParseRejectsUnknownSections(t *testing.T) {
	_, err := policy.Parse([]byte("version: \"1.0.0\"\nunknown_section:\n  x: 1\n"))
	assert.Error(t, err)
}

func TestParseRejectsMalformedCaps(t *testing.T) {
	bad := `
version: "1.0.0"
frequency_caps:
  contact.email:
    window_hours: 0
    max_count: 1
`
	_, err := policy.Parse([]byte(bad))
	assert.Error(t, err)
}

func TestParseRejectsBadPredicate(t *testing.T) {
	bad := `
version: "1.0.0"
approvals:
  broken:
    require_if:
      - "amount >"
`
	_, err := policy.Parse([]byte(bad))
	assert.Error(t, err)
}

func TestApprovalRequired(t *testing.T) {
	snap := policy.Default()

	in := &referee.Intent{
		Type: "payment.charge", Resource: "order:1/payment", Action: "charge",
		Author: "agent-a", Scope: referee.ScopeWrite, TTLSeconds: 60,
		Meta: map[string]any{"amount": 2500.0},
	}
	rule, required, err := snap.ApprovalRequired(in)
	require.NoError(t, err)
	assert.True(t, required)
	assert.Equal(t, "high_value", rule)

	in.Meta["amount"] = 10.0
	_, required, err = snap.ApprovalRequired(in)
	require.NoError(t, err)
	assert.False(t, required)

	in.Meta = map[string]any{"conflict_override": true}
	rule, required, err = snap.ApprovalRequired(in)
	require.NoError(t, err)
	assert.True(t, required)
	assert.Equal(t, "booking", rule)
}

func TestLoaderVersionOrdering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o600))

	l := policy.NewLoader(path)

	var reloaded *policy.Snapshot
	l.OnReload(func(s *policy.Snapshot) { reloaded = s })

	require.NoError(t, l.Load())
	require.NotNil(t, reloaded)
	assert.Equal(t, "1.2.0", l.Current().Version().String())

	// An older document must be rejected and the current snapshot kept.
	require.NoError(t, os.WriteFile(path, []byte("version: \"1.0.0\"\n"), 0o600))
	err := l.Load()
	assert.Error(t, err)
	assert.Equal(t, "1.2.0", l.Current().Version().String())
}

func TestDefaultSnapshot(t *testing.T) {
	snap := policy.Default()
	cap, ok := snap.FrequencyCap("contact.sms")
	require.True(t, ok)
	assert.Equal(t, 2, cap.MaxCount)
	assert.Equal(t, 2, snap.Limits().ReplanLimit)
	assert.False(t, snap.IsSuppressed("contact.email"))
}
