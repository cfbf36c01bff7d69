package budget

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Storage for tests and single-node deployments.
// Each session carries its own mutex so consume calls on distinct sessions do
// not contend.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

type memorySession struct {
	mu sync.Mutex
	s  Session
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = &memorySession{s: cloneSession(s)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	ms, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := cloneSession(&ms.s)
	return &out, nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(*Session) error) error {
	m.mu.RLock()
	ms, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	next := cloneSession(&ms.s)
	if err := fn(&next); err != nil {
		return err
	}
	ms.s = next
	return nil
}

func (m *MemoryStore) Counts(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	active := 0
	for _, ms := range m.sessions {
		ms.mu.Lock()
		if ms.s.State == StateActive {
			active++
		}
		ms.mu.Unlock()
	}
	return active, nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func cloneSession(s *Session) Session {
	out := *s
	if s.Tags != nil {
		out.Tags = make(map[string]string, len(s.Tags))
		for k, v := range s.Tags {
			out.Tags[k] = v
		}
	}
	out.Window = append([]time.Time(nil), s.Window...)
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		out.StoppedAt = &t
	}
	return out
}
