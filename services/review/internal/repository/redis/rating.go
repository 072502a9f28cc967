package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campusmart/marketplace/pkg/breaker"
	"github.com/campusmart/marketplace/services/review/internal/domain"
	"github.com/campusmart/marketplace/services/review/internal/repository"
)

const keyPrefix = "rating:"

const (
	fieldVersion = "version"
	fieldData    = "data"
)

// setIfNewer replaces the entry only when ARGV[1] is strictly greater than
// the cached version, so a slow writer cannot roll the projection back.
var setIfNewer = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current and tonumber(current) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// RatingCache implements repository.RatingCache on Redis hashes keyed
// rating:{type}:{id}. Every call goes through a circuit breaker.
type RatingCache struct {
	client  redis.Cmdable
	ttl     time.Duration
	breaker *breaker.Breaker
}

var _ repository.RatingCache = (*RatingCache)(nil)

// NewRatingCache creates a Redis-backed rating cache.
func NewRatingCache(client redis.Cmdable, ttl time.Duration, cb *breaker.Breaker) *RatingCache {
	return &RatingCache{client: client, ttl: ttl, breaker: cb}
}

// Key returns the cache key of a subject.
func Key(key domain.SubjectKey) string {
	return keyPrefix + key.String()
}

// Get returns the cached aggregate, or nil on a miss.
func (c *RatingCache) Get(ctx context.Context, key domain.SubjectKey) (*domain.SubjectAggregate, error) {
	return breaker.Execute(ctx, c.breaker, func(ctx context.Context) (*domain.SubjectAggregate, error) {
		data, err := c.client.HGet(ctx, Key(key), fieldData).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, fmt.Errorf("redis get rating: %w", err)
		}
		return decode(data)
	})
}

// GetMany returns the cached aggregates among keys in one round trip.
func (c *RatingCache) GetMany(ctx context.Context, keys []domain.SubjectKey) (map[domain.SubjectKey]domain.SubjectAggregate, error) {
	out := make(map[domain.SubjectKey]domain.SubjectAggregate, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		pipe := c.client.Pipeline()
		cmds := make([]*redis.StringCmd, len(keys))
		for i, k := range keys {
			cmds[i] = pipe.HGet(ctx, Key(k), fieldData)
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis get ratings: %w", err)
		}

		for i, cmd := range cmds {
			data, err := cmd.Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return fmt.Errorf("redis get rating: %w", err)
			}
			agg, err := decode(data)
			if err != nil {
				return err
			}
			out[keys[i]] = *agg
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Set writes agg unless the cache holds the same or a newer version.
func (c *RatingCache) Set(ctx context.Context, agg *domain.SubjectAggregate) (bool, error) {
	data, err := json.Marshal(agg)
	if err != nil {
		return false, fmt.Errorf("marshal rating: %w", err)
	}

	return breaker.Execute(ctx, c.breaker, func(ctx context.Context) (bool, error) {
		written, err := setIfNewer.Run(ctx, c.client,
			[]string{Key(agg.Subject())},
			agg.Version, data, c.ttl.Milliseconds(),
		).Int()
		if err != nil {
			return false, fmt.Errorf("redis set rating: %w", err)
		}
		return written == 1, nil
	})
}

// Delete evicts a subject from the cache.
func (c *RatingCache) Delete(ctx context.Context, key domain.SubjectKey) error {
	return c.breaker.Do(ctx, func(ctx context.Context) error {
		if err := c.client.Del(ctx, Key(key)).Err(); err != nil {
			return fmt.Errorf("redis del rating: %w", err)
		}
		return nil
	})
}

// Ping reports whether Redis is reachable.
func (c *RatingCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func decode(data []byte) (*domain.SubjectAggregate, error) {
	var agg domain.SubjectAggregate
	if err := json.Unmarshal(data, &agg); err != nil {
		return nil, fmt.Errorf("unmarshal rating: %w", err)
	}
	return &agg, nil
}
