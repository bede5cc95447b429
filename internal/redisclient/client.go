package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"checkout-engine/internal/models"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/claim_idempotency.lua
var claimIdempotencyScript string

//go:embed scripts/complete_idempotency.lua
var completeIdempotencyScript string

//go:embed scripts/release_idempotency.lua
var releaseIdempotencyScript string

type Client struct {
	rdb            *redis.Client
	claimScript    *redis.Script
	completeScript *redis.Script
	releaseScript  *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:            rdb,
		claimScript:    redis.NewScript(claimIdempotencyScript),
		completeScript: redis.NewScript(completeIdempotencyScript),
		releaseScript:  redis.NewScript(releaseIdempotencyScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("idempotency:%s", key)
}

// Get returns the stored record, or nil when the key is unknown. Expiry is
// left to Redis key TTLs.
func (c *Client) Get(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	redisKey := idempotencyKey(key)

	pipe := c.rdb.Pipeline()
	fieldsCmd := pipe.HGetAll(ctx, redisKey)
	ttlCmd := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	fields := fieldsCmd.Val()
	if len(fields) == 0 {
		return nil, nil
	}

	rec := &models.IdempotencyRecord{
		Key:         key,
		RequestHash: fields["request_hash"],
		Status:      fields["status"],
	}
	if body, ok := fields["response_body"]; ok {
		rec.ResponseBody = []byte(body)
	}
	if v := fields["response_status"]; v != "" {
		status, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("corrupt response_status for %s: %w", key, err)
		}
		rec.ResponseStatus = status
	}
	if v := fields["created_at"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			rec.CreatedAt = time.UnixMilli(ms)
		}
	}
	if ttl := ttlCmd.Val(); ttl > 0 {
		rec.ExpiresAt = time.Now().Add(ttl)
	}
	return rec, nil
}

// Claim atomically marks key in progress for ttl.
// Returns false when another request already holds the key.
func (c *Client) Claim(ctx context.Context, key, requestHash string, ttl time.Duration) (bool, error) {
	result, err := c.claimScript.Run(ctx, c.rdb, []string{idempotencyKey(key)},
		requestHash, time.Now().UnixMilli(), ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("claim idempotency script failed: %w", err)
	}

	claimed, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return claimed == 1, nil
}

// Complete stores the final response and refreshes the TTL. It reports
// false when the claim expired or was released before completion.
func (c *Client) Complete(ctx context.Context, key string, status int, body []byte, ttl time.Duration) (bool, error) {
	result, err := c.completeScript.Run(ctx, c.rdb, []string{idempotencyKey(key)},
		status, body, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("complete idempotency script failed: %w", err)
	}

	stored, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return stored == 1, nil
}

// Release drops an in-progress claim so the client can retry
func (c *Client) Release(ctx context.Context, key string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{idempotencyKey(key)}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release idempotency script failed: %w", err)
	}
	return nil
}
