// Package budget provides per-session spend and rate accounting with
// stop-loss behavior: once a session's cap is breached the session stops and
// no further spend is ever recorded against it.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State of a budget session.
type State string

const (
	StateActive  State = "active"
	StateStopped State = "stopped"
)

// Reason codes returned on the consume path.
const (
	ReasonOK             = "ok"
	ReasonRPMExceeded    = "rpm_exceeded"
	ReasonCapExceeded    = "cap_exceeded"
	ReasonSessionStopped = "session_stopped"
)

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("budget: session not found")
	// ErrInvalidCap is returned for a non-positive USD cap.
	ErrInvalidCap = errors.New("budget: invalid cap")
	// ErrInvalidRPM is returned for a non-positive request rate.
	ErrInvalidRPM = errors.New("budget: invalid rpm")
	// ErrInvalidAmount is returned for a negative consume amount.
	ErrInvalidAmount = errors.New("budget: invalid amount")
)

// rateWindow is the trailing window the RPM check observes.
const rateWindow = 60 * time.Second

// Session is a bounded spend/rate accounting scope. SpentUSD is monotonic
// non-decreasing; Window holds the timestamps of recent consume attempts.
type Session struct {
	ID        string            `json:"id"`
	USDCap    float64           `json:"usd_cap"`
	RPM       int               `json:"rpm"`
	SpentUSD  float64           `json:"spent_usd"`
	State     State             `json:"state"`
	Tags      map[string]string `json:"tags,omitempty"`
	Window    []time.Time       `json:"request_timestamps,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	StoppedAt *time.Time        `json:"stopped_at,omitempty"`
}

// Remaining returns the unspent portion of the cap, never negative.
func (s *Session) Remaining() float64 {
	r := s.USDCap - s.SpentUSD
	if r < 0 {
		return 0
	}
	return r
}

// Result is the outcome of one consume call.
type Result struct {
	Allowed   bool    `json:"allowed"`
	Reason    string  `json:"reason"`
	SpentUSD  float64 `json:"spent_usd"`
	Remaining float64 `json:"remaining"`
}

// Storage persists sessions. Update must apply fn under the store's
// serialization for that session id: concurrent consume calls on one session
// are totally ordered, no lost updates.
type Storage interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, fn func(*Session) error) error
	Counts(ctx context.Context) (active int, err error)
	Ping(ctx context.Context) error
}

// Guard enforces spend caps and request rates across budget sessions.
type Guard struct {
	store  Storage
	clock  func() time.Time
	logger *slog.Logger
}

// NewGuard creates a budget guard over the given storage.
func NewGuard(store Storage) *Guard {
	return &Guard{
		store:  store,
		clock:  time.Now,
		logger: slog.Default().With("component", "budget"),
	}
}

// WithClock overrides the clock for testing.
func (g *Guard) WithClock(clock func() time.Time) *Guard {
	g.clock = clock
	return g
}

// Start creates a new active session.
func (g *Guard) Start(ctx context.Context, usdCap float64, rpm int, tags map[string]string) (*Session, error) {
	if usdCap <= 0 {
		return nil, ErrInvalidCap
	}
	if rpm <= 0 {
		return nil, ErrInvalidRPM
	}

	s := &Session{
		ID:        "b_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		USDCap:    usdCap,
		RPM:       rpm,
		State:     StateActive,
		Tags:      tags,
		CreatedAt: g.clock(),
	}
	if err := g.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("budget: create session: %w", err)
	}
	g.logger.Info("budget session started", "session", s.ID, "usd_cap", usdCap, "rpm", rpm)
	return s, nil
}

// Consume atomically applies one spend attempt to a session.
//
// Order of checks: stopped state (fail fast, nothing re-evaluated), request
// rate over the trailing window (denied without touching spend), then the
// cap. A breach stops the session at, never past, the cap.
func (g *Guard) Consume(ctx context.Context, id string, usd float64) (*Result, error) {
	if usd < 0 {
		return nil, ErrInvalidAmount
	}

	var res Result
	err := g.store.Update(ctx, id, func(s *Session) error {
		if s.State == StateStopped {
			res = Result{Allowed: false, Reason: ReasonSessionStopped, SpentUSD: s.SpentUSD, Remaining: s.Remaining()}
			return nil
		}

		now := g.clock()
		cutoff := now.Add(-rateWindow)
		live := s.Window[:0]
		for _, t := range s.Window {
			if t.After(cutoff) {
				live = append(live, t)
			}
		}
		s.Window = append(live, now)

		if len(s.Window) > s.RPM {
			res = Result{Allowed: false, Reason: ReasonRPMExceeded, SpentUSD: s.SpentUSD, Remaining: s.Remaining()}
			return nil
		}

		if s.SpentUSD+usd > s.USDCap {
			s.State = StateStopped
			s.StoppedAt = &now
			res = Result{Allowed: false, Reason: ReasonCapExceeded, SpentUSD: s.SpentUSD, Remaining: s.Remaining()}
			g.logger.Warn("budget cap breached, session stopped",
				"session", s.ID, "spent_usd", s.SpentUSD, "attempted_usd", usd, "usd_cap", s.USDCap)
			return nil
		}

		s.SpentUSD += usd
		res = Result{Allowed: true, Reason: ReasonOK, SpentUSD: s.SpentUSD, Remaining: s.Remaining()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Stop terminates a session. Subsequent consume calls fail fast.
func (g *Guard) Stop(ctx context.Context, id string) error {
	return g.store.Update(ctx, id, func(s *Session) error {
		if s.State == StateStopped {
			return nil
		}
		now := g.clock()
		s.State = StateStopped
		s.StoppedAt = &now
		return nil
	})
}

// Get returns a session snapshot.
func (g *Guard) Get(ctx context.Context, id string) (*Session, error) {
	return g.store.Get(ctx, id)
}

// Counts returns the number of active sessions.
func (g *Guard) Counts(ctx context.Context) (int, error) {
	return g.store.Counts(ctx)
}

// Ping reports whether the backing store is reachable.
func (g *Guard) Ping(ctx context.Context) error {
	return g.store.Ping(ctx)
}
