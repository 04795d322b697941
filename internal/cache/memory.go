package cache

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

// MemoryBackend is a thread-safe in-process Backend. It backs tests and the
// degraded mode used when no persistent store is configured.
type MemoryBackend struct {
	mu    sync.Mutex
	data  map[Namespace]map[string]*memEntry
	locks map[string]time.Time
	clock func() time.Time
}

type memEntry struct {
	value []byte
	meta  Metadata
}

func NewMemoryBackend() *MemoryBackend {
	m := &MemoryBackend{
		data:  make(map[Namespace]map[string]*memEntry, len(Namespaces)),
		locks: make(map[string]time.Time),
		clock: time.Now,
	}
	for _, ns := range Namespaces {
		m.data[ns] = make(map[string]*memEntry)
	}
	return m
}

func (m *MemoryBackend) bucket(ns Namespace) map[string]*memEntry {
	b, ok := m.data[ns]
	if !ok {
		b = make(map[string]*memEntry)
		m.data[ns] = b
	}
	return b
}

func (m *MemoryBackend) Get(_ context.Context, ns Namespace, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.bucket(ns)[key]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.clock()
	if e.meta.expired(now) {
		delete(m.bucket(ns), key)
		return nil, ErrNotFound
	}
	e.meta.AccessedAt = now
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryBackend) Set(_ context.Context, ns Namespace, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	stored := make([]byte, len(value))
	copy(stored, value)
	meta := Metadata{Size: int64(len(value)), CreatedAt: now, AccessedAt: now}
	if ttl > 0 {
		meta.ExpiresAt = now.Add(ttl)
	}
	m.bucket(ns)[key] = &memEntry{value: stored, meta: meta}
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, ns Namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bucket(ns), key)
	return nil
}

func (m *MemoryBackend) List(_ context.Context, ns Namespace, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	var keys []string
	for k, e := range m.bucket(ns) {
		if e.meta.expired(now) {
			continue
		}
		if pattern != "" {
			if ok, err := path.Match(pattern, k); err != nil || !ok {
				continue
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryBackend) Size(_ context.Context, ns Namespace) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	var total int64
	for _, e := range m.bucket(ns) {
		if e.meta.expired(now) {
			continue
		}
		total += e.meta.Size
	}
	return total, nil
}

func (m *MemoryBackend) Metadata(_ context.Context, ns Namespace, key string) (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.bucket(ns)[key]
	if !ok || e.meta.expired(m.clock()) {
		return Metadata{}, ErrNotFound
	}
	return e.meta, nil
}

func (m *MemoryBackend) AccessOrder(_ context.Context, ns Namespace) ([]KeyInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	infos := make([]KeyInfo, 0, len(m.bucket(ns)))
	for k, e := range m.bucket(ns) {
		if e.meta.expired(now) {
			continue
		}
		infos = append(infos, KeyInfo{Key: k, Size: e.meta.Size, AccessedAt: e.meta.AccessedAt})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].AccessedAt.Before(infos[j].AccessedAt) })
	return infos, nil
}

func (m *MemoryBackend) Cleanup(_ context.Context, ns Namespace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	for k, e := range m.bucket(ns) {
		if e.meta.expired(now) {
			delete(m.bucket(ns), k)
		}
	}
	return nil
}

func (m *MemoryBackend) HealthCheck(context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }

func (m *MemoryBackend) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if until, ok := m.locks[key]; ok && now.Before(until) {
		return false, nil
	}
	m.locks[key] = now.Add(ttl)
	return true, nil
}

func (m *MemoryBackend) Unlock(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}
