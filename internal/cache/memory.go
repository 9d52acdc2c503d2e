package cache

import (
	"context"
	"sync"
	"time"

	"github.com/dalbodeule/hop-endpoints/internal/store"
)

type memoryEntry struct {
	eps      []store.Endpoint
	storedAt time.Time
}

// MemoryBackend 는 프로세스 로컬 map 기반 Backend 입니다. ttl 이 0 이면 만료되지 않습니다.
type MemoryBackend struct {
	mu    sync.RWMutex
	items map[string]memoryEntry
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryBackend 는 MemoryBackend 를 생성합니다.
func NewMemoryBackend(ttl time.Duration) *MemoryBackend {
	return &MemoryBackend{
		items: make(map[string]memoryEntry),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (m *MemoryBackend) Get(_ context.Context, ownerID string) ([]store.Endpoint, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.items[ownerID]
	if !ok || (m.ttl > 0 && m.now().Sub(e.storedAt) > m.ttl) {
		return nil, false, nil
	}
	return e.eps, true, nil
}

func (m *MemoryBackend) Set(_ context.Context, ownerID string, eps []store.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[ownerID] = memoryEntry{eps: eps, storedAt: m.now()}
	return nil
}

func (m *MemoryBackend) Invalidate(_ context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, ownerID)
	return nil
}

// NopBackend 는 아무것도 저장하지 않습니다. (HOP_CACHE_BACKEND=none)
type NopBackend struct{}

func (NopBackend) Get(context.Context, string) ([]store.Endpoint, bool, error) { return nil, false, nil }
func (NopBackend) Set(context.Context, string, []store.Endpoint) error         { return nil }
func (NopBackend) Invalidate(context.Context, string) error                    { return nil }
