package cache

import (
	"context"
	"errors"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/paulmach/orb/maptile"
	log "github.com/sirupsen/logrus"
)

// RedisStore keeps tiles as plain string keys, optionally expiring
type RedisStore struct {
	pool   *redis.Pool
	prefix string
	ttl    time.Duration
}

// NewRedisPool dials addr lazily
func NewRedisPool(addr string, maxIdle int) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     maxIdle,
		IdleTimeout: 240 * time.Second,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr)
		},
	}
}

// NewRedisStore stores tiles under prefix, e.g. "geostitch:osm:"
func NewRedisStore(pool *redis.Pool, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{pool: pool, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(t maptile.Tile) string {
	return s.prefix + tileKey(t)
}

func (s *RedisStore) Load(ctx context.Context, t maptile.Tile) ([]byte, bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, false, err
	}
	defer closeRedisConn(conn)

	data, err := redis.Bytes(conn.Do("GET", s.key(t)))
	if errors.Is(err, redis.ErrNil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, len(data) > 0, nil
}

func (s *RedisStore) Save(ctx context.Context, t maptile.Tile, data []byte) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer closeRedisConn(conn)

	if s.ttl > 0 {
		_, err = conn.Do("SET", s.key(t), data, "EX", int64(s.ttl/time.Second))
	} else {
		_, err = conn.Do("SET", s.key(t), data)
	}
	return err
}

func (s *RedisStore) Close() error {
	return s.pool.Close()
}

func closeRedisConn(conn redis.Conn) {
	if err := conn.Close(); err != nil {
		log.Errorf("redis connection close failure: %v", err)
	}
}
