// Package cache 는 사용자별 published endpoint 목록을 캐시합니다.
// 엔드포인트가 변경되면 provisioning plane 이 Invalidate 를 호출해 즉시 무효화합니다.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dalbodeule/hop-endpoints/internal/logging"
	"github.com/dalbodeule/hop-endpoints/internal/observability"
	"github.com/dalbodeule/hop-endpoints/internal/store"
)

// Backend 는 owner id 를 키로 하는 endpoint 목록 저장소입니다.
type Backend interface {
	// Get 은 캐시된 목록을 반환합니다. 없으면 ok=false 입니다.
	Get(ctx context.Context, ownerID string) (eps []store.Endpoint, ok bool, err error)

	// Set 은 목록을 저장합니다.
	Set(ctx context.Context, ownerID string, eps []store.Endpoint) error

	// Invalidate 는 owner 의 캐시 항목을 삭제합니다.
	Invalidate(ctx context.Context, ownerID string) error
}

// EndpointLister 는 캐시가 감싸는 원본 조회 함수입니다.
type EndpointLister interface {
	ListPublishedEndpoints(ctx context.Context, ownerID string) ([]store.Endpoint, error)
}

// loadTimeout 은 source 조회 한 번에 허용되는 최대 시간입니다.
const loadTimeout = 10 * time.Second

// EndpointCache 는 EndpointLister 앞에 놓이는 read-through 캐시입니다.
// 같은 owner 에 대한 동시 miss 는 singleflight 로 한 번의 조회로 합쳐집니다.
// owner 별 generation 은 Invalidate 마다 증가하며, 조회 중에 무효화된 결과는 캐시에 쓰지 않습니다.
type EndpointCache struct {
	backend Backend
	source  EndpointLister
	logger  logging.Logger
	group   singleflight.Group

	mu   sync.Mutex
	gens map[string]uint64
}

// NewEndpointCache 는 backend 와 source 로 EndpointCache 를 생성합니다.
func NewEndpointCache(logger logging.Logger, backend Backend, source EndpointLister) *EndpointCache {
	return &EndpointCache{
		backend: backend,
		source:  source,
		logger:  logger.With(logging.Fields{"component": "endpoint_cache"}),
		gens:    make(map[string]uint64),
	}
}

func (c *EndpointCache) generation(ownerID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[ownerID]
}

// ListPublishedEndpoints 는 캐시를 먼저 보고, 없으면 source 에서 읽어 캐시에 채웁니다.
// 캐시 백엔드 장애는 요청 실패로 이어지지 않고 source 조회로 대체됩니다.
// source 조회는 호출자의 취소와 분리되어 실행되므로, 먼저 끊긴 요청이 대기 중인 다른 요청을 실패시키지 않습니다.
func (c *EndpointCache) ListPublishedEndpoints(ctx context.Context, ownerID string) ([]store.Endpoint, error) {
	gen := c.generation(ownerID)

	eps, ok, err := c.backend.Get(ctx, ownerID)
	switch {
	case err != nil:
		observability.EndpointCacheLookupsTotal.WithLabelValues("error").Inc()
		c.logger.Warn("endpoint cache get failed", logging.Fields{
			"owner_id": ownerID,
			"error":    err.Error(),
		})
	case ok:
		observability.EndpointCacheLookupsTotal.WithLabelValues("hit").Inc()
		return eps, nil
	default:
		observability.EndpointCacheLookupsTotal.WithLabelValues("miss").Inc()
	}

	key := fmt.Sprintf("%s#%d", ownerID, gen)
	ch := c.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return c.load(loadCtx, ownerID, gen)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]store.Endpoint), nil
	}
}

func (c *EndpointCache) load(ctx context.Context, ownerID string, gen uint64) ([]store.Endpoint, error) {
	eps, err := c.source.ListPublishedEndpoints(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[ownerID] != gen {
		c.logger.Debug("endpoint cache fill skipped after invalidation", logging.Fields{"owner_id": ownerID})
		return eps, nil
	}
	if err := c.backend.Set(ctx, ownerID, eps); err != nil {
		c.logger.Warn("endpoint cache set failed", logging.Fields{
			"owner_id": ownerID,
			"error":    err.Error(),
		})
	}
	return eps, nil
}

// Invalidate 는 owner 의 캐시 항목을 지우고, 진행 중인 조회 결과가 다시 채워지지 않도록 generation 을 올립니다.
func (c *EndpointCache) Invalidate(ctx context.Context, ownerID string) error {
	c.mu.Lock()
	c.gens[ownerID]++
	c.mu.Unlock()

	if err := c.backend.Invalidate(ctx, ownerID); err != nil {
		return fmt.Errorf("invalidate endpoint cache: %w", err)
	}
	c.logger.Debug("endpoint cache invalidated", logging.Fields{"owner_id": ownerID})
	return nil
}
