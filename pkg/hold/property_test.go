//go:build property
// +build property

// Package hold_test contains property-based tests for the mutual-exclusion
// and fairness invariants.
package hold_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/meshmind/referee/pkg/hold"
)

// TestSingleActiveHolder verifies mutual exclusion over arbitrary
// request/release interleavings.
// Property: at most one hold per resource is active at any point, and it
// belongs to the earliest still-waiting requester.
func TestSingleActiveHolder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("At most one active holder per resource", prop.ForAll(
		func(ops []int) bool {
			ctx := context.Background()
			m := hold.NewMemoryManager()
			defer m.Close()

			var tokens []string
			for i, op := range ops {
				if op%3 == 0 && len(tokens) > 0 {
					// Release the oldest outstanding token. Non-holders
					// get ErrNotHolder, which is fine for the invariant.
					_ = m.Release(ctx, tokens[0])
					tokens = tokens[1:]
				} else {
					h, err := m.Request(ctx, "res:1", fmt.Sprintf("author-%d", i), 60, "")
					if err != nil {
						return false
					}
					tokens = append(tokens, h.Token)
				}

				active, _, err := m.Counts(ctx)
				if err != nil || active > 1 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 8)),
	))

	properties.Property("Grant order follows arrival order", prop.ForAll(
		func(waiters int) bool {
			ctx := context.Background()
			m := hold.NewMemoryManager()
			defer m.Close()

			var tokens []string
			for i := 0; i <= waiters; i++ {
				h, err := m.Request(ctx, "res:1", fmt.Sprintf("author-%d", i), 60, "")
				if err != nil {
					return false
				}
				tokens = append(tokens, h.Token)
			}

			for i, token := range tokens {
				h, err := m.Get(ctx, token)
				if err != nil || h.State != hold.StateActive {
					return false
				}
				// Everyone behind the current holder is still pending.
				for _, rest := range tokens[i+1:] {
					p, err := m.Get(ctx, rest)
					if err != nil || p.State != hold.StatePending {
						return false
					}
				}
				if err := m.Release(ctx, token); err != nil {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 6),
	))

	properties.TestingRun(t)
}
