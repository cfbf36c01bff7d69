// Package hold implements fairness-ordered, time-bounded exclusive leases on
// resource keys.
//
// Each resource owns a FIFO wait queue. A request is granted immediately when
// the resource is free, otherwise it waits in arrival order; a later requester
// can never jump ahead of an earlier one, even under retries, because retried
// requests with the same author and correlation keep their original queue
// position. Active holds carry a TTL; a reaper expires unconfirmed holds and
// promotes the next waiter.
package hold

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State of a hold lease.
type State string

const (
	StatePending  State = "pending"
	StateActive   State = "active"
	StateReleased State = "released"
	StateExpired  State = "expired"
)

var (
	// ErrNotFound is returned for an unknown hold token.
	ErrNotFound = errors.New("hold: not found")
	// ErrNotHolder is returned when releasing a token that is not the
	// current active holder.
	ErrNotHolder = errors.New("hold: not holder")
	// ErrHoldExpired is returned when confirming an expired hold; the
	// caller must re-request.
	ErrHoldExpired = errors.New("hold: expired")
	// ErrNotActive is returned when confirming a hold still in the queue.
	ErrNotActive = errors.New("hold: not active")
	// ErrInvalidTTL is returned for non-positive TTLs.
	ErrInvalidTTL = errors.New("hold: invalid ttl")
)

// Hold is a lease on a resource key. QueuePosition is 0 for the active
// holder, 1 for the first waiter, and so on.
type Hold struct {
	Token         string    `json:"token"`
	Resource      string    `json:"resource"`
	Holder        string    `json:"holder"`
	Correlation   string    `json:"correlation,omitempty"`
	State         State     `json:"state"`
	TTLSeconds    int       `json:"ttl_s"`
	QueuePosition int       `json:"queue_position"`
	Confirmed     bool      `json:"confirmed"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Manager is the hold contract. All mutation of hold state happens behind it.
type Manager interface {
	// Request asks for a hold on resource. It never blocks: the returned
	// hold is Active if the resource was free (or already held by the same
	// author), Pending otherwise.
	Request(ctx context.Context, resource, author string, ttlSeconds int, correlation string) (*Hold, error)

	// Confirm marks an active hold as confirmed and renews its TTL.
	Confirm(ctx context.Context, token string) (*Hold, error)

	// Release releases the active hold and promotes the next waiter.
	Release(ctx context.Context, token string) error

	// Get returns the current state of a hold by token.
	Get(ctx context.Context, token string) (*Hold, error)

	// Counts returns the number of active and pending holds.
	Counts(ctx context.Context) (active, pending int, err error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}

// newToken mints an opaque hold token.
func newToken() string {
	return "h_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
