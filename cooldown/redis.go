package cooldown

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript performs the eligibility check and the write in one step.
// KEYS[1] = cooldown key
// ARGV[1] = now (unix ms)
// ARGV[2] = window (ms)
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local last = redis.call("GET", KEYS[1])
if last and window > 0 and (now - tonumber(last)) < window then
    return 0
end
redis.call("SET", KEYS[1], ARGV[1])
return 1
`)

const defaultKeyPrefix = "cooldown"

// RedisStore keeps last-fired timestamps as unix milliseconds. Keys never
// expire.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. An empty prefix uses "cooldown".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// key renders "<prefix>:<len(org)>:<len(rule)>:<org>:<rule>:<contact>".
// The lengths keep ids that contain ':' from colliding.
func (s *RedisStore) key(k Key) string {
	return fmt.Sprintf("%s:%d:%d:%s:%s:%s", s.prefix, len(k.OrgID), len(k.RuleID), k.OrgID, k.RuleID, k.ContactID)
}

func (s *RedisStore) TryAcquire(ctx context.Context, k Key, window time.Duration, now time.Time) (bool, error) {
	res, err := acquireScript.Run(ctx, s.client,
		[]string{s.key(k)},
		now.UnixMilli(), window.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("%w: redis acquire: %w", ErrUnavailable, err)
	}
	return res == 1, nil
}

func (s *RedisStore) IsEligible(ctx context.Context, k Key, window time.Duration, now time.Time) (bool, error) {
	last, found, err := s.LastFired(ctx, k)
	if err != nil {
		return false, err
	}
	return Eligible(last, found, window, now), nil
}

func (s *RedisStore) RecordFiring(ctx context.Context, k Key, now time.Time) error {
	if err := s.client.Set(ctx, s.key(k), now.UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("%w: redis record: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Reset(ctx context.Context, k Key) error {
	if err := s.client.Del(ctx, s.key(k)).Err(); err != nil {
		return fmt.Errorf("%w: redis reset: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) LastFired(ctx context.Context, k Key) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, s.key(k)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: redis get: %w", ErrUnavailable, err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: corrupt timestamp %q", ErrUnavailable, raw)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}
