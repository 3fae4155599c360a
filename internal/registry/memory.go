package registry

import (
	"context"
	"sync"
	"time"

	"github.com/korobprog/diviscriptures-sub000/internal/domain"
)

type memEntry struct {
	participants []string
	timer        domain.TimerState
	hasTimer     bool
	expiresAt    time.Time
	timerExpires time.Time
}

// MemRegistry is the in-process fallback used for single-node runs and
// tests. TTL semantics match the redis adapter: expired entries read as
// misses.
type MemRegistry struct {
	mu sync.Mutex
	db map[domain.SessionID]*memEntry
}

var _ Registry = (*MemRegistry)(nil)

func NewMemRegistry() *MemRegistry {
	return &MemRegistry{db: make(map[domain.SessionID]*memEntry)}
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{} // no expiration
	}
	return time.Now().Add(ttl)
}

func expired(at time.Time) bool {
	return !at.IsZero() && time.Now().After(at)
}

func (m *MemRegistry) entry(sid domain.SessionID) *memEntry {
	e, ok := m.db[sid]
	if !ok {
		e = &memEntry{}
		m.db[sid] = e
	}
	return e
}

func (m *MemRegistry) Put(_ context.Context, sid domain.SessionID, participants []string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(sid)
	e.participants = append([]string(nil), participants...)
	e.expiresAt = expiry(ttl)
	return nil
}

func (m *MemRegistry) Get(_ context.Context, sid domain.SessionID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.db[sid]
	if !ok || e.participants == nil || expired(e.expiresAt) {
		return nil, ErrMiss
	}
	return append([]string(nil), e.participants...), nil
}

func (m *MemRegistry) Delete(_ context.Context, sid domain.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.db[sid]; ok {
		e.participants = nil
		if !e.hasTimer {
			delete(m.db, sid)
		}
	}
	return nil
}

func (m *MemRegistry) PutTimer(_ context.Context, sid domain.SessionID, t domain.TimerState, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(sid)
	e.timer = t
	e.hasTimer = true
	e.timerExpires = expiry(ttl)
	return nil
}

func (m *MemRegistry) GetTimer(_ context.Context, sid domain.SessionID) (domain.TimerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.db[sid]
	if !ok || !e.hasTimer || expired(e.timerExpires) {
		return domain.TimerState{}, ErrMiss
	}
	return e.timer, nil
}

func (m *MemRegistry) DeleteTimer(_ context.Context, sid domain.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.db[sid]; ok {
		e.hasTimer = false
		if e.participants == nil {
			delete(m.db, sid)
		}
	}
	return nil
}

func (m *MemRegistry) Ping(context.Context) error { return nil }
func (m *MemRegistry) Close() error               { return nil }
