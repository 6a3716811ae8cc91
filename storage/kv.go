package storage

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"prism-board/domain"
)

// RedisKV is a layout.KV backed by Redis strings without expiry.
type RedisKV struct {
	client    *redis.Client
	namespace string
}

// NewRedisKV creates a store on client.
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

// Namespace returns a store whose keys are prefixed with ns, sharing the
// same client.
func (k *RedisKV) Namespace(ns string) *RedisKV {
	return &RedisKV{client: k.client, namespace: k.namespace + ns + ":"}
}

func (k *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := k.client.Get(ctx, k.namespace+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, domain.Transient("kv get", err)
	}
	return v, true, nil
}

func (k *RedisKV) Set(ctx context.Context, key, value string) error {
	if err := k.client.Set(ctx, k.namespace+key, value, 0).Err(); err != nil {
		return domain.Transient("kv set", err)
	}
	return nil
}

// Ping checks connectivity.
func (k *RedisKV) Ping(ctx context.Context) error {
	return k.client.Ping(ctx).Err()
}
