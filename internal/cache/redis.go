package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dalbodeule/hop-endpoints/internal/logging"
	"github.com/dalbodeule/hop-endpoints/internal/store"
)

const redisKeyPrefix = "hop:endpoints:"

// RedisConfig 는 Redis 접속 정보입니다.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisBackend 는 여러 인스턴스가 공유하는 Redis 기반 Backend 입니다.
// 값은 endpoint 목록 JSON 이며, TTL 이 지나면 Redis 가 지웁니다.
type RedisBackend struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisBackend 는 Redis 에 연결하고 Ping 으로 확인합니다.
// 준비되지 않았다면 3초 간격으로 최대 5번 재시도합니다.
func NewRedisBackend(ctx context.Context, logger logging.Logger, cfg RedisConfig, ttl time.Duration) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	log := logger.With(logging.Fields{"component": "redis", "addr": cfg.Addr, "db": cfg.DB})

	var err error
	for i := 0; i < 5; i++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			break
		}
		log.Warn("redis not ready, retrying in 3 seconds", logging.Fields{
			"retry": i + 1,
			"error": err.Error(),
		})
		select {
		case <-ctx.Done():
			_ = rdb.Close()
			return nil, ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info("connected to redis", nil)
	return NewRedisBackendWithClient(rdb, ttl), nil
}

// NewRedisBackendWithClient 는 이미 만들어진 클라이언트를 사용합니다.
func NewRedisBackendWithClient(rdb *redis.Client, ttl time.Duration) *RedisBackend {
	return &RedisBackend{rdb: rdb, ttl: ttl}
}

func redisKey(ownerID string) string { return redisKeyPrefix + ownerID }

func (r *RedisBackend) Get(ctx context.Context, ownerID string) ([]store.Endpoint, bool, error) {
	raw, err := r.rdb.Get(ctx, redisKey(ownerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var eps []store.Endpoint
	if err := json.Unmarshal(raw, &eps); err != nil {
		return nil, false, fmt.Errorf("decode cached endpoints: %w", err)
	}
	return eps, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, ownerID string, eps []store.Endpoint) error {
	if eps == nil {
		eps = []store.Endpoint{}
	}
	raw, err := json.Marshal(eps)
	if err != nil {
		return fmt.Errorf("encode endpoints: %w", err)
	}
	return r.rdb.Set(ctx, redisKey(ownerID), raw, r.ttl).Err()
}

func (r *RedisBackend) Invalidate(ctx context.Context, ownerID string) error {
	return r.rdb.Del(ctx, redisKey(ownerID)).Err()
}

// Close 는 Redis 클라이언트를 닫습니다.
func (r *RedisBackend) Close() error {
	return r.rdb.Close()
}
