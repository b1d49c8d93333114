package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

type key struct {
	accountID int64
	kind      Kind
}

// MemoryStore is the single-instance session store. Sessions idle longer
// than ttl are treated as absent and dropped on access.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[key]Session
	ttl  time.Duration
	now  func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{data: map[key]Session{}, ttl: ttl, now: time.Now}
}

func (m *MemoryStore) expired(s Session) bool {
	return m.ttl > 0 && m.now().Sub(s.UpdatedAt) > m.ttl
}

func (m *MemoryStore) Get(_ context.Context, accountID int64, kind Kind) (*Session, error) {
	k := key{accountID, kind}
	m.mu.RLock()
	s, ok := m.data[k]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if m.expired(s) {
		m.mu.Lock()
		delete(m.data, k)
		m.mu.Unlock()
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStore) Set(_ context.Context, s *Session) error {
	s.UpdatedAt = m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key{s.AccountID, s.Kind}] = *s
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, accountID int64, kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key{accountID, kind})
	return nil
}

func (m *MemoryStore) ClearAll(_ context.Context, accountID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if k.accountID == accountID {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *MemoryStore) Active(_ context.Context, accountID int64) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for k, s := range m.data {
		if k.accountID != accountID {
			continue
		}
		if m.expired(s) {
			delete(m.data, k)
			continue
		}
		s := s
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
