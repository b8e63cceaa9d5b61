package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and dry runs. It honours
// TTLs lazily on read, which is enough for the contract callers rely on.
type Memory struct {
	mu    sync.Mutex
	items map[string]memEntry
	sets  map[string]map[string]struct{}
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]memEntry),
		sets:  make(map[string]map[string]struct{}),
	}
}

func (m *Memory) alive(e memEntry) bool {
	return e.expiresAt.IsZero() || time.Now().Before(e.expiresAt)
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok || !m.alive(e) {
		delete(m.items, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memEntry{value: value, expiresAt: expiry(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.items[key]; ok && m.alive(e) {
		return false, nil
	}
	m.items[key] = memEntry{value: value, expiresAt: expiry(ttl)}
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if e, ok := m.items[key]; ok {
			if m.alive(e) {
				removed++
			}
			delete(m.items, key)
		}
	}
	return removed, nil
}

func (m *Memory) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur int64
	if e, ok := m.items[key]; ok && m.alive(e) {
		cur, _ = strconv.ParseInt(e.value, 10, 64)
	}
	cur += delta
	prev := m.items[key]
	m.items[key] = memEntry{value: strconv.FormatInt(cur, 10), expiresAt: prev.expiresAt}
	return cur, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.items[key]; ok && m.alive(e) {
		e.expiresAt = expiry(ttl)
		m.items[key] = e
	}
	return nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(set, member)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
