// Package effects provides an idempotency ledger for exactly-once side
// effects. Callers claim an effect key before executing; duplicates observe
// the committed result instead of re-executing.
package effects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Status of a claim attempt.
type Status string

const (
	// StatusNew means the caller won the claim and must execute the effect.
	StatusNew Status = "new"
	// StatusDuplicate means the effect already committed; Result holds the
	// stored outcome.
	StatusDuplicate Status = "duplicate"
	// StatusDuplicateInFlight means another caller holds an uncommitted
	// claim on the key.
	StatusDuplicateInFlight Status = "duplicate_in_flight"
)

var (
	// ErrNotFound is returned when committing or failing a key that holds no
	// claim.
	ErrNotFound = errors.New("effects: claim not found")
	// ErrDuplicateInFlight is returned by Runner.Run when another execution
	// holds the key.
	ErrDuplicateInFlight = errors.New("effects: effect already in flight")
	// ErrInvalidKey is returned for an empty effect key.
	ErrInvalidKey = errors.New("effects: invalid key")
)

// Claim is the outcome of a claim attempt. Result is set only for
// StatusDuplicate.
type Claim struct {
	Key    string `json:"key"`
	Status Status `json:"status"`
	Result []byte `json:"result,omitempty"`
}

// Ledger records effect claims and their committed results. Claim must be
// atomic: for N concurrent claims on one fresh key, exactly one observes
// StatusNew.
//
// The TTL set at claim time is the deduplication window for the key, not a
// permanent execute-once guarantee: a pending claim past it belongs to a
// crashed executor, a committed record past it stops replaying. Either way
// the key becomes claimable again on next access.
type Ledger interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (*Claim, error)
	Commit(ctx context.Context, key string, result []byte) error
	Fail(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// Effector executes the actual side effect and returns its serialized result.
type Effector func(ctx context.Context) ([]byte, error)

// Runner drives the claim/execute/commit protocol around an Effector.
type Runner struct {
	ledger Ledger
	logger *slog.Logger
}

// NewRunner creates a runner over the given ledger.
func NewRunner(ledger Ledger) *Runner {
	return &Runner{
		ledger: ledger,
		logger: slog.Default().With("component", "effects"),
	}
}

// Run executes fn at most once per key. It returns executed=false with the
// stored result when the effect already committed, and ErrDuplicateInFlight
// when another execution holds the key. When fn fails the claim is released
// so a later retry can run.
func (r *Runner) Run(ctx context.Context, key string, ttl time.Duration, fn Effector) (executed bool, result []byte, err error) {
	claim, err := r.ledger.Claim(ctx, key, ttl)
	if err != nil {
		return false, nil, fmt.Errorf("effects: claim %q: %w", key, err)
	}

	switch claim.Status {
	case StatusDuplicate:
		return false, claim.Result, nil
	case StatusDuplicateInFlight:
		return false, nil, ErrDuplicateInFlight
	}

	result, err = fn(ctx)
	if err != nil {
		if failErr := r.ledger.Fail(ctx, key); failErr != nil {
			r.logger.Error("failed to release claim", "key", key, "error", failErr)
		}
		return false, nil, err
	}

	if err := r.ledger.Commit(ctx, key, result); err != nil {
		return true, result, fmt.Errorf("effects: commit %q: %w", key, err)
	}
	return true, result, nil
}
