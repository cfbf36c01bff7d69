package hold

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type entry struct {
	hold Hold
}

type resourceQueue struct {
	active  *entry
	waiting []*entry
}

// MemoryManager is the in-process Manager implementation. Thread-safe via a
// single mutex; suitable for one service instance and for simulations.
type MemoryManager struct {
	mu        sync.Mutex
	resources map[string]*resourceQueue
	byToken   map[string]*entry
	clock     func() time.Time
	logger    *slog.Logger

	reaperStop chan struct{}
	reaperOnce sync.Once
}

// NewMemoryManager creates an in-memory hold manager. Call StartReaper to
// sweep expired holds in the background, or Sweep directly.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		resources: make(map[string]*resourceQueue),
		byToken:   make(map[string]*entry),
		clock:     time.Now,
		logger:    slog.Default().With("component", "hold"),
	}
}

// WithClock overrides the clock for testing.
func (m *MemoryManager) WithClock(clock func() time.Time) *MemoryManager {
	m.clock = clock
	return m
}

// StartReaper begins the background sweep at the given interval.
func (m *MemoryManager) StartReaper(interval time.Duration) {
	m.reaperStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					m.logger.Debug("expired holds reaped", "count", n)
				}
			case <-m.reaperStop:
				return
			}
		}
	}()
}

// Close stops the reaper if running.
func (m *MemoryManager) Close() {
	if m.reaperStop != nil {
		m.reaperOnce.Do(func() { close(m.reaperStop) })
	}
}

func (m *MemoryManager) Request(ctx context.Context, resource, author string, ttlSeconds int, correlation string) (*Hold, error) {
	if ttlSeconds <= 0 {
		return nil, ErrInvalidTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	q := m.resources[resource]
	if q == nil {
		q = &resourceQueue{}
		m.resources[resource] = q
	}
	m.expireLocked(resource, q, now)

	// Re-request by the current active holder returns the existing lease.
	if q.active != nil && q.active.hold.Holder == author {
		h := q.active.hold
		h.QueuePosition = 0
		return &h, nil
	}

	// A retry with the same author and correlation keeps its original queue
	// position instead of re-joining at the tail.
	if correlation != "" {
		for i, e := range q.waiting {
			if e.hold.Holder == author && e.hold.Correlation == correlation {
				h := e.hold
				h.QueuePosition = i + 1
				return &h, nil
			}
		}
	}

	e := &entry{hold: Hold{
		Token:       newToken(),
		Resource:    resource,
		Holder:      author,
		Correlation: correlation,
		TTLSeconds:  ttlSeconds,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(ttlSeconds) * time.Second),
	}}

	if q.active == nil {
		e.hold.State = StateActive
		q.active = e
	} else {
		e.hold.State = StatePending
		q.waiting = append(q.waiting, e)
	}
	m.byToken[e.hold.Token] = e

	h := e.hold
	h.QueuePosition = m.positionLocked(q, e)
	return &h, nil
}

func (m *MemoryManager) Confirm(ctx context.Context, token string) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.clock()
	q := m.resources[e.hold.Resource]
	m.expireLocked(e.hold.Resource, q, now)

	switch e.hold.State {
	case StateExpired:
		return nil, ErrHoldExpired
	case StatePending:
		return nil, ErrNotActive
	case StateReleased:
		return nil, ErrNotFound
	}

	// Confirm doubles as renewal.
	e.hold.Confirmed = true
	e.hold.ExpiresAt = now.Add(time.Duration(e.hold.TTLSeconds) * time.Second)
	h := e.hold
	return &h, nil
}

func (m *MemoryManager) Release(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byToken[token]
	if !ok {
		return ErrNotFound
	}
	q := m.resources[e.hold.Resource]
	now := m.clock()
	m.expireLocked(e.hold.Resource, q, now)

	if q == nil || q.active != e {
		return ErrNotHolder
	}

	e.hold.State = StateReleased
	delete(m.byToken, token)
	q.active = nil
	m.promoteLocked(e.hold.Resource, q, now)
	return nil
}

func (m *MemoryManager) Get(ctx context.Context, token string) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	q := m.resources[e.hold.Resource]
	m.expireLocked(e.hold.Resource, q, m.clock())

	h := e.hold
	if q != nil && e.hold.State == StatePending {
		h.QueuePosition = m.positionLocked(q, e)
	}
	return &h, nil
}

func (m *MemoryManager) Counts(ctx context.Context) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, pending := 0, 0
	now := m.clock()
	for resource, q := range m.resources {
		m.expireLocked(resource, q, now)
		if q.active != nil {
			active++
		}
		pending += len(q.waiting)
	}
	return active, pending, nil
}

func (m *MemoryManager) Ping(ctx context.Context) error { return nil }

// tombstoneRetention bounds how long expired holds remain queryable.
const tombstoneRetention = 10 * time.Minute

// Sweep expires overdue holds across all resources and promotes waiters.
// Returns the number of holds newly expired this pass.
func (m *MemoryManager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	expired := 0
	for resource, q := range m.resources {
		expired += m.expireLocked(resource, q, now)
		if q.active == nil && len(q.waiting) == 0 {
			delete(m.resources, resource)
		}
	}
	for token, e := range m.byToken {
		if e.hold.State == StateExpired && now.Sub(e.hold.ExpiresAt) > tombstoneRetention {
			delete(m.byToken, token)
		}
	}
	return expired
}

// expireLocked expires the active hold and overdue waiters for one resource,
// promoting the next live waiter. Expired entries stay in byToken as
// tombstones so a late Confirm sees hold_expired rather than not_found;
// Sweep prunes them after a retention window. Caller holds m.mu.
func (m *MemoryManager) expireLocked(resource string, q *resourceQueue, now time.Time) int {
	if q == nil {
		return 0
	}
	expired := 0
	if q.active != nil && now.After(q.active.hold.ExpiresAt) {
		q.active.hold.State = StateExpired
		q.active = nil
		expired++
	}
	// Drop waiters whose own TTL lapsed while queued.
	live := q.waiting[:0]
	for _, e := range q.waiting {
		if now.After(e.hold.ExpiresAt) {
			e.hold.State = StateExpired
			expired++
			continue
		}
		live = append(live, e)
	}
	q.waiting = live
	if q.active == nil {
		m.promoteLocked(resource, q, now)
	}
	return expired
}

// promoteLocked grants the head waiter. Caller holds m.mu.
func (m *MemoryManager) promoteLocked(resource string, q *resourceQueue, now time.Time) {
	if q.active != nil || len(q.waiting) == 0 {
		return
	}
	next := q.waiting[0]
	q.waiting = q.waiting[1:]
	next.hold.State = StateActive
	// The TTL countdown restarts at grant time.
	next.hold.ExpiresAt = now.Add(time.Duration(next.hold.TTLSeconds) * time.Second)
	q.active = next
	m.logger.Debug("hold promoted", "resource", resource, "token", next.hold.Token, "holder", next.hold.Holder)
}

func (m *MemoryManager) positionLocked(q *resourceQueue, e *entry) int {
	if q.active == e {
		return 0
	}
	for i, w := range q.waiting {
		if w == e {
			return i + 1
		}
	}
	return -1
}
