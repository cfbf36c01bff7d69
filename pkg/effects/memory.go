package effects

import (
	"context"
	"sync"
	"time"
)

type entryState int

const (
	statePending entryState = iota
	stateCommitted
)

type entry struct {
	state    entryState
	result   []byte
	deadline time.Time
}

// MemoryLedger is an in-process Ledger for tests and single-node deployments.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]*entry
	clock   func() time.Time

	janitorStop chan struct{}
	janitorOnce sync.Once
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries:     make(map[string]*entry),
		clock:       time.Now,
		janitorStop: make(chan struct{}),
	}
}

// WithClock overrides the clock for testing.
func (m *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	m.clock = clock
	return m
}

// StartJanitor launches background cleanup of expired claims.
func (m *MemoryLedger) StartJanitor(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-m.janitorStop:
				return
			}
		}
	}()
}

// Close stops the janitor goroutine.
func (m *MemoryLedger) Close() {
	m.janitorOnce.Do(func() { close(m.janitorStop) })
}

// Sweep drops all records past their deadline. The janitor calls it on its
// interval; it is exported for deterministic sweeps in tests.
func (m *MemoryLedger) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	for k, e := range m.entries {
		if now.After(e.deadline) {
			delete(m.entries, k)
		}
	}
}

func (m *MemoryLedger) Claim(_ context.Context, key string, ttl time.Duration) (*Claim, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if e, ok := m.entries[key]; ok && now.Before(e.deadline) {
		if e.state == stateCommitted {
			return &Claim{Key: key, Status: StatusDuplicate, Result: e.result}, nil
		}
		return &Claim{Key: key, Status: StatusDuplicateInFlight}, nil
	}
	// Either unknown, a lapsed pending claim from a crashed executor, or a
	// committed record past its deduplication window. All are claimable.

	m.entries[key] = &entry{state: statePending, deadline: now.Add(ttl)}
	return &Claim{Key: key, Status: StatusNew}, nil
}

func (m *MemoryLedger) Commit(_ context.Context, key string, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return ErrNotFound
	}
	e.state = stateCommitted
	e.result = result
	return nil
}

func (m *MemoryLedger) Fail(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return ErrNotFound
	}
	// Committed results are immutable, a late Fail cannot erase them.
	if e.state == stateCommitted {
		return nil
	}
	delete(m.entries, key)
	return nil
}

func (m *MemoryLedger) Ping(_ context.Context) error { return nil }
