// Package rediscache provides a Redis-backed entity cache, for deployments
// where the wallet's local entity cache is shared between processes or must
// survive restarts without a local database.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	walletsync "github.com/c0deZ3R0/wallet-sync-kit"
)

// Cache implements walletsync.EntityCache on Redis. Entities of one
// resource kind live in a single hash keyed by entity ID.
type Cache struct {
	client    *redis.Client
	keyPrefix string
}

var _ walletsync.EntityCache = (*Cache)(nil)

// New wraps an existing Redis client. keyPrefix defaults to "wallet".
func New(client *redis.Client, keyPrefix string) *Cache {
	if keyPrefix == "" {
		keyPrefix = "wallet"
	}
	return &Cache{client: client, keyPrefix: keyPrefix}
}

// NewFromURL connects to Redis at redisURL and verifies the connection.
func NewFromURL(ctx context.Context, redisURL string, keyPrefix string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, keyPrefix), nil
}

func (c *Cache) key(res walletsync.ResourceKind) string {
	return fmt.Sprintf("%s:%s", c.keyPrefix, res)
}

func (c *Cache) SaveEntity(ctx context.Context, res walletsync.ResourceKind, id string, data json.RawMessage) error {
	return c.client.HSet(ctx, c.key(res), id, []byte(data)).Err()
}

func (c *Cache) UpdateEntity(ctx context.Context, res walletsync.ResourceKind, id string, data json.RawMessage) error {
	return c.SaveEntity(ctx, res, id, data)
}

func (c *Cache) DeleteEntity(ctx context.Context, res walletsync.ResourceKind, id string) error {
	return c.client.HDel(ctx, c.key(res), id).Err()
}

func (c *Cache) GetEntity(ctx context.Context, res walletsync.ResourceKind, id string) (json.RawMessage, error) {
	data, err := c.client.HGet(ctx, c.key(res), id).Bytes()
	if err == redis.Nil {
		return nil, walletsync.ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %s/%s: %w", res, id, err)
	}
	return data, nil
}

func (c *Cache) ListEntities(ctx context.Context, res walletsync.ResourceKind) (map[string]json.RawMessage, error) {
	raw, err := c.client.HGetAll(ctx, c.key(res)).Result()
	if err != nil {
		return nil, fmt.Errorf("list entities %s: %w", res, err)
	}
	out := make(map[string]json.RawMessage, len(raw))
	for id, data := range raw {
		out[id] = json.RawMessage(data)
	}
	return out, nil
}

// Close closes the underlying Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}
