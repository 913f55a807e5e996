package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type itemKind int

const (
	kindString itemKind = iota
	kindSet
	kindHash
)

type item struct {
	kind    itemKind
	value   []byte
	set     map[string]struct{}
	hash    map[string]string
	expires time.Time
}

func (i *item) expired(now time.Time) bool {
	return !i.expires.IsZero() && !now.Before(i.expires)
}

// MemoryStore is an in-process Store. All operations hold one mutex, which makes
// ResolveMember atomic.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*item
	now   func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*item),
		now:   time.Now,
	}
}

// lookup returns a live item, dropping it if expired. Callers hold mu.
func (m *MemoryStore) lookup(key string) *item {
	it, ok := m.items[key]
	if !ok {
		return nil
	}
	if it.expired(m.now()) {
		delete(m.items, key)
		return nil
	}
	return it
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it := m.lookup(key)
	if it == nil || it.kind != kindString {
		return nil, ErrNotFound
	}
	return append([]byte(nil), it.value...), nil
}

// Set implements Store.
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[key] = &item{kind: kindString, value: append([]byte(nil), value...), expires: m.deadline(ttl)}
	return nil
}

// SetNX implements Store.
func (m *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lookup(key) != nil {
		return false, nil
	}
	m.items[key] = &item{kind: kindString, value: append([]byte(nil), value...), expires: m.deadline(ttl)}
	return true, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

// Expire implements Store.
func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if it := m.lookup(key); it != nil {
		it.expires = m.deadline(ttl)
	}
	return nil
}

func (m *MemoryStore) setItem(key string, create bool) *item {
	it := m.lookup(key)
	if it == nil || it.kind != kindSet {
		if !create {
			return nil
		}
		it = &item{kind: kindSet, set: make(map[string]struct{})}
		m.items[key] = it
	}
	return it
}

func (m *MemoryStore) hashItem(key string, create bool) *item {
	it := m.lookup(key)
	if it == nil || it.kind != kindHash {
		if !create {
			return nil
		}
		it = &item{kind: kindHash, hash: make(map[string]string)}
		m.items[key] = it
	}
	return it
}

// SAdd implements Store.
func (m *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it := m.setItem(key, true)
	for _, mem := range members {
		it.set[mem] = struct{}{}
	}
	return nil
}

// SRem implements Store.
func (m *MemoryStore) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.srem(key, members...), nil
}

func (m *MemoryStore) srem(key string, members ...string) int64 {
	it := m.setItem(key, false)
	if it == nil {
		return 0
	}
	var n int64
	for _, mem := range members {
		if _, ok := it.set[mem]; ok {
			delete(it.set, mem)
			n++
		}
	}
	if len(it.set) == 0 {
		delete(m.items, key)
	}
	return n
}

// SMembers implements Store.
func (m *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it := m.setItem(key, false)
	if it == nil {
		return []string{}, nil
	}
	out := make([]string, 0, len(it.set))
	for mem := range it.set {
		out = append(out, mem)
	}
	return out, nil
}

// SCard implements Store.
func (m *MemoryStore) SCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if it := m.setItem(key, false); it != nil {
		return int64(len(it.set)), nil
	}
	return 0, nil
}

// HSet implements Store.
func (m *MemoryStore) HSet(ctx context.Context, key string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it := m.hashItem(key, true)
	for k, v := range values {
		it.hash[k] = v
	}
	return nil
}

// HGetAll implements Store.
func (m *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.hgetall(key), nil
}

func (m *MemoryStore) hgetall(key string) map[string]string {
	out := make(map[string]string)
	if it := m.hashItem(key, false); it != nil {
		for k, v := range it.hash {
			out[k] = v
		}
	}
	return out
}

// ResolveMember implements Store.
func (m *MemoryStore) ResolveMember(ctx context.Context, setKey, member, hashKey, field string) (Resolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := m.srem(setKey, member) == 1
	if removed {
		it := m.hashItem(hashKey, true)
		n, _ := strconv.ParseInt(it.hash[field], 10, 64)
		it.hash[field] = strconv.FormatInt(n+1, 10)
	}

	var remaining int64
	if it := m.setItem(setKey, false); it != nil {
		remaining = int64(len(it.set))
	}

	return Resolution{
		Removed:   removed,
		Remaining: remaining,
		Hash:      m.hgetall(hashKey),
	}, nil
}

// MemoryLimiter is an in-process Limiter backed by buffered channels.
type MemoryLimiter struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{slots: make(map[string]chan struct{})}
}

// Acquire implements Limiter. The limit of a key is fixed by its first use and
// the ttl is ignored.
func (l *MemoryLimiter) Acquire(ctx context.Context, key string, limit int, ttl time.Duration) (func(), error) {
	if limit <= 0 {
		limit = 1
	}

	l.mu.Lock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, limit)
		l.slots[key] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}
