//go:build property
// +build property

// Package budget_test contains property-based tests for the stop-loss
// invariants.
package budget_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/meshmind/referee/pkg/budget"
)

// TestSpendNeverExceedsCap verifies the cap invariant over arbitrary consume
// sequences.
// Property: for any sequence of amounts, SpentUSD <= USDCap at every step.
func TestSpendNeverExceedsCap(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Spend never exceeds the cap", prop.ForAll(
		func(capCents int, amountsCents []int) bool {
			ctx := context.Background()
			g := budget.NewGuard(budget.NewMemoryStore())

			cap := float64(capCents) / 100
			s, err := g.Start(ctx, cap, 1_000_000, nil)
			if err != nil {
				return false
			}

			for _, c := range amountsCents {
				res, err := g.Consume(ctx, s.ID, float64(c)/100)
				if err != nil {
					return false
				}
				if res.SpentUSD > cap {
					return false
				}
			}

			got, err := g.Get(ctx, s.ID)
			if err != nil {
				return false
			}
			return got.SpentUSD <= got.USDCap
		},
		gen.IntRange(1, 10_000),
		gen.SliceOf(gen.IntRange(0, 2_000)),
	))

	properties.TestingRun(t)
}

// TestSpendIsMonotonic verifies SpentUSD never decreases, denied or not.
func TestSpendIsMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Spend is monotonic non-decreasing", prop.ForAll(
		func(amountsCents []int) bool {
			ctx := context.Background()
			g := budget.NewGuard(budget.NewMemoryStore())

			s, err := g.Start(ctx, 50.0, 1_000_000, nil)
			if err != nil {
				return false
			}

			prev := 0.0
			for _, c := range amountsCents {
				res, err := g.Consume(ctx, s.ID, float64(c)/100)
				if err != nil {
					return false
				}
				if res.SpentUSD < prev {
					return false
				}
				prev = res.SpentUSD
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2_000)),
	))

	properties.TestingRun(t)
}

// TestStoppedStaysStopped verifies a stopped session never allows spend
// again.
func TestStoppedStaysStopped(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("A stopped session stays stopped", prop.ForAll(
		func(amountsCents []int) bool {
			ctx := context.Background()
			g := budget.NewGuard(budget.NewMemoryStore())

			s, err := g.Start(ctx, 10.0, 1_000_000, nil)
			if err != nil {
				return false
			}
			if err := g.Stop(ctx, s.ID); err != nil {
				return false
			}

			for _, c := range amountsCents {
				res, err := g.Consume(ctx, s.ID, float64(c)/100)
				if err != nil {
					return false
				}
				if res.Allowed || res.Reason != budget.ReasonSessionStopped {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2_000)),
	))

	properties.TestingRun(t)
}
