package cache

import (
	"context"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	log "github.com/sirupsen/logrus"
)

type session struct {
	mu       sync.Mutex
	values   map[string][]byte
	order    []string // insertion order, oldest first
	lastSeen time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	sessions *haxmap.Map[string, *session]
	policy   Policy
	now      func() time.Time
}

// NewMemoryStore builds a MemoryStore.
func NewMemoryStore(policy Policy) *MemoryStore {
	return &MemoryStore{
		sessions: haxmap.New[string, *session](),
		policy:   policy,
		now:      time.Now,
	}
}

// Get returns the stored value without blocking on anything but the session's own lock.
func (m *MemoryStore) Get(_ context.Context, sessionID, key string) ([]byte, bool, error) {
	if !validSession(sessionID) {
		return nil, false, ErrNoSession
	}
	s, ok := m.sessions.Get(sessionID)
	if !ok {
		return nil, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = m.now()
	value, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// Set stores or overwrites value. An overwrite keeps the key's original insertion position.
func (m *MemoryStore) Set(_ context.Context, sessionID, key string, value []byte) error {
	if !validSession(sessionID) {
		return ErrNoSession
	}
	s, _ := m.sessions.GetOrSet(sessionID, &session{values: map[string][]byte{}})
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = m.now()
	if _, exists := s.values[key]; !exists {
		s.order = append(s.order, key)
	}
	s.values[key] = append([]byte(nil), value...)
	if limit := m.policy.MaxEntries; limit > 0 {
		for len(s.order) > limit {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.values, oldest)
		}
	}
	return nil
}

// EndSession drops every entry of the session.
func (m *MemoryStore) EndSession(_ context.Context, sessionID string) error {
	if !validSession(sessionID) {
		return ErrNoSession
	}
	m.sessions.Del(sessionID)
	return nil
}

// Sessions returns the number of live sessions.
func (m *MemoryStore) Sessions() int {
	return int(m.sessions.Len())
}

// Sweep drops sessions idle for longer than the policy's IdleTTL.
func (m *MemoryStore) Sweep() int {
	ttl := m.policy.IdleTTL
	if ttl <= 0 {
		return 0
	}
	cutoff := m.now().Add(-ttl)
	var idle []string
	m.sessions.ForEach(func(id string, s *session) bool {
		s.mu.Lock()
		if s.lastSeen.Before(cutoff) {
			idle = append(idle, id)
		}
		s.mu.Unlock()
		return true
	})
	if len(idle) > 0 {
		m.sessions.Del(idle...)
	}
	return len(idle)
}

// StartJanitor sweeps idle sessions every interval until ctx is done.
func (m *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if m.policy.IdleTTL <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					log.Debugf("cache janitor: dropped %d idle sessions", n)
				}
			}
		}
	}()
}
