package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	expiresAt *time.Time
	value     []byte
}

// Memory is an in-process KV for tests and local runs.
type Memory struct {
	now     func() time.Time
	entries map[string]memEntry
	mu      sync.Mutex
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{now: time.Now, entries: make(map[string]memEntry)}
}

// WithClock replaces the clock used for expiry.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// live returns the entry if present and unexpired. Caller holds mu.
func (m *Memory) live(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expiresAt != nil && !m.now().Before(*e.expiresAt) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

// Get returns a copy of the value at key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Set stores value at key.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: append([]byte(nil), value...), expiresAt: expiry(ttl, m.now())}
	return nil
}

// SetNX stores value only if key is absent.
func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.entries[key] = memEntry{value: append([]byte(nil), value...), expiresAt: expiry(ttl, m.now())}
	return true, nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Expire resets the ttl of an existing key.
func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return ErrNotFound
	}
	e.expiresAt = expiry(ttl, m.now())
	m.entries[key] = e
	return nil
}

// Keys lists live keys with the prefix in sorted order.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := m.live(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
