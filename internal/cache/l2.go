package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// connectionTimeout bounds the startup ping.
const connectionTimeout = 5 * time.Second

// RedisConfig holds connection settings for the shared tier.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// NewRedisClient creates a redis client and verifies the connection.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// L2 is the shared distributed cache tier backed by redis. Entries are
// stored as JSON with a redis TTL of TTL+Grace: the extra window lets the
// tiered layer serve a stale value when the authoritative store is
// unavailable.
type L2 struct {
	client *redis.Client
	ttl    time.Duration
	grace  time.Duration
	prefix string
	now    func() time.Time
}

// NewL2 creates an L2 tier over an existing redis client.
func NewL2(client *redis.Client, ttl, grace time.Duration, prefix string) *L2 {
	return &L2{
		client: client,
		ttl:    ttl,
		grace:  grace,
		prefix: prefix,
		now:    time.Now,
	}
}

func (c *L2) redisKey(key string) string {
	return c.prefix + key
}

// Get returns the entry for key. A nil entry with nil error is a miss.
// Entries past their logical TTL but inside the grace window are returned
// with Expired()==true so the caller decides whether stale-serve applies.
func (c *L2) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("l2 get %s: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("l2 decode %s: %w", key, err)
	}
	return &entry, nil
}

// Set stores the value with the tier TTL plus grace.
func (c *L2) Set(ctx context.Context, key string, value []byte, version int64) error {
	entry := Entry{
		Key:       key,
		Value:     value,
		Version:   version,
		ExpiresAt: c.now().Add(c.ttl),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("l2 encode %s: %w", key, err)
	}

	if err := c.client.Set(ctx, c.redisKey(key), data, c.ttl+c.grace).Err(); err != nil {
		return fmt.Errorf("l2 set %s: %w", key, err)
	}
	return nil
}

// Delete removes the entry for key.
func (c *L2) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("l2 delete %s: %w", key, err)
	}
	return nil
}
