package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps redis client.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis with short timeouts.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

// ClaimMessageID claims a webhook message id for processing. Providers
// re-deliver on timeout, so the first delivery wins the SETNX and retries
// within the ttl read as already claimed.
func (r *Redis) ClaimMessageID(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	if messageID == "" {
		return true, nil
	}
	return r.Client.SetNX(ctx, "attendance:webhook:"+messageID, 1, ttl).Result()
}
