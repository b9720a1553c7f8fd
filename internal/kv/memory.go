package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/you/pollcast/internal/core"
)

type memEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is an in-process Store. Expired keys are hidden on read and
// dropped lazily.
type MemoryStore struct {
	clock core.Clock

	mu      sync.RWMutex
	entries map[string]memEntry
}

func NewMemoryStore(clock core.Clock) *MemoryStore {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &MemoryStore{clock: clock, entries: make(map[string]memEntry)}
}

func (m *MemoryStore) live(e memEntry, now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	now := m.clock.Now()
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !m.live(e, now) {
		m.mu.Lock()
		if cur, ok := m.entries[key]; ok && !m.live(cur, now) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.clock.Now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string, limit int) ([]string, error) {
	now := m.clock.Now()
	m.mu.RLock()
	keys := make([]string, 0)
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) && m.live(e, now) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// Len reports the number of stored keys, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
