package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeenSet records which replies were already dispatched. MarkSeen reports
// whether the key was new.
type SeenSet interface {
	MarkSeen(ctx context.Context, key string) (bool, error)
}

// RedisSeen is a SeenSet shared between daemon instances. Keys expire after
// the configured TTL.
type RedisSeen struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig configures the redis seen set
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewRedisSeen connects a redis-backed seen set
func NewRedisSeen(cfg RedisConfig) *RedisSeen {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisSeen(client, cfg.Prefix, cfg.TTL)
}

func newRedisSeen(client *redis.Client, prefix string, ttl time.Duration) *RedisSeen {
	if prefix == "" {
		prefix = "questd:seen:"
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisSeen{client: client, prefix: prefix, ttl: ttl}
}

// Key returns the redis key for a reply URI
func (s *RedisSeen) Key(uri string) string {
	return s.prefix + uri
}

// MarkSeen sets the key if absent
func (s *RedisSeen) MarkSeen(ctx context.Context, uri string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.Key(uri), time.Now().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", uri, err)
	}
	return ok, nil
}

// Ping checks the connection
func (s *RedisSeen) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client
func (s *RedisSeen) Close() error {
	return s.client.Close()
}
