package budget_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshmind/referee/pkg/budget"
)

func TestStartValidation(t *testing.T) {
	g := budget.NewGuard(budget.NewMemoryStore())
	ctx := context.Background()

	_, err := g.Start(ctx, 0, 10, nil)
	assert.ErrorIs(t, err, budget.ErrInvalidCap)

	_, err = g.Start(ctx, -1.0, 10, nil)
	assert.ErrorIs(t, err, budget.ErrInvalidCap)

	_, err = g.Start(ctx, 5.0, 0, nil)
	assert.ErrorIs(t, err, budget.ErrInvalidRPM)

	s, err := g.Start(ctx, 5.0, 10, map[string]string{"team": "outreach"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, budget.StateActive, s.State)
	assert.Equal(t, "outreach", s.Tags["team"])
}

func TestCapStopLoss(t *testing.T) {
	g := budget.NewGuard(budget.NewMemoryStore())
	ctx := context.Background()

	s, err := g.Start(ctx, 5.0, 10, nil)
	require.NoError(t, err)

	res, err := g.Consume(ctx, s.ID, 3.0)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, budget.ReasonOK, res.Reason)
	assert.InDelta(t, 3.0, res.SpentUSD, 1e-9)
	assert.InDelta(t, 2.0, res.Remaining, 1e-9)

	// 3.0 + 3.0 would exceed the 5.0 cap: denied, session stopped, spend
	// frozen at 3.0.
	res, err = g.Consume(ctx, s.ID, 3.0)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, budget.ReasonCapExceeded, res.Reason)
	assert.InDelta(t, 3.0, res.SpentUSD, 1e-9)

	got, err := g.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, budget.StateStopped, got.State)
	require.NotNil(t, got.StoppedAt)

	// Stopped sessions fail fast, even for amounts that would have fit.
	res, err = g.Consume(ctx, s.ID, 0.5)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, budget.ReasonSessionStopped, res.Reason)
	assert.InDelta(t, 3.0, res.SpentUSD, 1e-9)
}

func TestExactCapIsAllowed(t *testing.T) {
	g := budget.NewGuard(budget.NewMemoryStore())
	ctx := context.Background()

	s, err := g.Start(ctx, 5.0, 10, nil)
	require.NoError(t, err)

	res, err := g.Consume(ctx, s.ID, 5.0)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.InDelta(t, 0.0, res.Remaining, 1e-9)

	got, err := g.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, budget.StateActive, got.State)
}

func TestRPMWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := budget.NewGuard(budget.NewMemoryStore()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	s, err := g.Start(ctx, 100.0, 3, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := g.Consume(ctx, s.ID, 0.1)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	// Fourth attempt inside the same minute is rate-denied without spending.
	res, err := g.Consume(ctx, s.ID, 0.1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, budget.ReasonRPMExceeded, res.Reason)
	assert.InDelta(t, 0.3, res.SpentUSD, 1e-9)

	got, err := g.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, budget.StateActive, got.State)

	// Once the window slides past the earlier attempts, spend is allowed
	// again.
	now = now.Add(61 * time.Second)
	res, err = g.Consume(ctx, s.ID, 0.1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.InDelta(t, 0.4, res.SpentUSD, 1e-9)
}

func TestRPMDenialStillCountsAgainstWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := budget.NewGuard(budget.NewMemoryStore()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	s, err := g.Start(ctx, 100.0, 1, nil)
	require.NoError(t, err)

	res, err := g.Consume(ctx, s.ID, 0.1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// Each denied attempt is itself recorded, so hammering the session keeps
	// it denied.
	for i := 0; i < 5; i++ {
		now = now.Add(time.Second)
		res, err = g.Consume(ctx, s.ID, 0.1)
		require.NoError(t, err)
		assert.Equal(t, budget.ReasonRPMExceeded, res.Reason)
	}
}

func TestStop(t *testing.T) {
	g := budget.NewGuard(budget.NewMemoryStore())
	ctx := context.Background()

	s, err := g.Start(ctx, 5.0, 10, nil)
	require.NoError(t, err)

	require.NoError(t, g.Stop(ctx, s.ID))
	// Stopping twice is a no-op.
	require.NoError(t, g.Stop(ctx, s.ID))

	res, err := g.Consume(ctx, s.ID, 0.1)
	require.NoError(t, err)
	assert.Equal(t, budget.ReasonSessionStopped, res.Reason)
}

func TestUnknownSession(t *testing.T) {
	g := budget.NewGuard(budget.NewMemoryStore())
	ctx := context.Background()

	_, err := g.Get(ctx, "b_missing")
	assert.ErrorIs(t, err, budget.ErrNotFound)

	_, err = g.Consume(ctx, "b_missing", 1.0)
	assert.ErrorIs(t, err, budget.ErrNotFound)

	assert.ErrorIs(t, g.Stop(ctx, "b_missing"), budget.ErrNotFound)
}

func TestNegativeAmount(t *testing.T) {
	g := budget.NewGuard(budget.NewMemoryStore())
	ctx := context.Background()

	s, err := g.Start(ctx, 5.0, 10, nil)
	require.NoError(t, err)

	_, err = g.Consume(ctx, s.ID, -0.5)
	assert.ErrorIs(t, err, budget.ErrInvalidAmount)
}

func TestCounts(t *testing.T) {
	g := budget.NewGuard(budget.NewMemoryStore())
	ctx := context.Background()

	a, err := g.Start(ctx, 5.0, 10, nil)
	require.NoError(t, err)
	_, err = g.Start(ctx, 5.0, 10, nil)
	require.NoError(t, err)

	n, err := g.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, g.Stop(ctx, a.ID))
	n, err = g.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// Concurrent consumers must never drive spend past the cap, no matter how
// the calls interleave.
func TestConcurrentConsumeNeverExceedsCap(t *testing.T) {
	g := budget.NewGuard(budget.NewMemoryStore())
	ctx := context.Background()

	s, err := g.Start(ctx, 10.0, 1000, nil)
	require.NoError(t, err)

	const workers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := g.Consume(ctx, s.ID, 1.0)
			if err != nil {
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, err := g.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, allowed)
	assert.InDelta(t, 10.0, got.SpentUSD, 1e-9)
	assert.LessOrEqual(t, got.SpentUSD, got.USDCap)
}
