package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Release and refresh only act when the stored lease still carries the
// caller's token.
var (
	releaseScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then return 0 end
if cjson.decode(raw)["token"] ~= ARGV[1] then return 0 end
return redis.call("DEL", KEYS[1])`)

	refreshScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then return 0 end
if cjson.decode(raw)["token"] ~= ARGV[1] then return 0 end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1`)
)

// RedisLocker implements Locker using Redis
type RedisLocker struct {
	redis  *redis.Client
	prefix string
}

// NewRedisLocker creates a Redis-based locker. Keys are "<prefix>:<volume>".
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "clusterupgrade:lock"
	}
	return &RedisLocker{redis: client, prefix: prefix}
}

func (m *RedisLocker) key(volume string) string {
	return fmt.Sprintf("%s:%s", m.prefix, volume)
}

// Acquire takes the volume lock with SET NX
func (m *RedisLocker) Acquire(ctx context.Context, volume, owner string, ttl time.Duration) (*Lease, error) {
	if m.redis == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	lease := newLease(volume, owner, ttl)
	data, err := json.Marshal(lease)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lease: %w", err)
	}

	ok, err := m.redis.SetNX(ctx, m.key(volume), data, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to store lease: %w", err)
	}
	if !ok {
		holder := "unknown"
		if held, err := m.Holder(ctx, volume); err == nil && held != nil {
			holder = held.Owner
		}
		return nil, fmt.Errorf("%w: %s held by %s", model.ErrVolumeLocked, volume, holder)
	}

	log.Info().
		Str("volume", volume).
		Str("owner", owner).
		Dur("ttl", ttl).
		Time("expires_at", lease.ExpiresAt).
		Msg("acquired volume lock")

	return lease, nil
}

// Refresh extends the lease TTL
func (m *RedisLocker) Refresh(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if m.redis == nil {
		return fmt.Errorf("redis client is nil")
	}

	next := *lease
	next.ExpiresAt = time.Now().Add(ttl)
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal lease: %w", err)
	}

	n, err := refreshScript.Run(ctx, m.redis, []string{m.key(lease.Volume)}, lease.Token, string(data), ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh lease: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lease on %s lost", lease.Volume)
	}
	lease.ExpiresAt = next.ExpiresAt
	return nil
}

// Release removes the lease if we still own it
func (m *RedisLocker) Release(ctx context.Context, lease *Lease) error {
	if m.redis == nil {
		return fmt.Errorf("redis client is nil")
	}

	n, err := releaseScript.Run(ctx, m.redis, []string{m.key(lease.Volume)}, lease.Token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if n == 0 {
		log.Warn().Str("volume", lease.Volume).Msg("volume lock already expired or taken over")
		return nil
	}

	log.Info().
		Str("volume", lease.Volume).
		Str("owner", lease.Owner).
		Dur("held", time.Since(lease.AcquiredAt)).
		Msg("released volume lock")

	return nil
}

// Holder returns the active lease on a volume
func (m *RedisLocker) Holder(ctx context.Context, volume string) (*Lease, error) {
	if m.redis == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	data, err := m.redis.Get(ctx, m.key(volume)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}

	var lease Lease
	if err := json.Unmarshal([]byte(data), &lease); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lease: %w", err)
	}
	return &lease, nil
}
