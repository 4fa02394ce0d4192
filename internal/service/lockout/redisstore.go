package lockout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/authkeeper/internal/models"
)

// Same transition as step(), executed atomically inside redis for every key
// ARGV: now, window, base, max, then one threshold per key
// Fields: f failures, ff first failure, lf last failure, lu locked until, lc lockouts, ex expires at (unix ms)
var recordFailuresScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local base = tonumber(ARGV[3])
local maxl = tonumber(ARGV[4])

local rows = {}
for k = 1, #KEYS do
  local threshold = tonumber(ARGV[4 + k])
  local v = redis.call('HMGET', KEYS[k], 'f', 'ff', 'lf', 'lu', 'lc', 'ex')
  local f = tonumber(v[1]) or 0
  local ff = tonumber(v[2]) or 0
  local lf = tonumber(v[3]) or 0
  local lu = tonumber(v[4]) or 0
  local lc = tonumber(v[5]) or 0
  local ex = tonumber(v[6]) or 0

  if ex <= now then
    f, ff, lf, lu, lc = 0, 0, 0, 0, 0
  end

  if f == 0 then
    ff = now
  end
  f = f + 1
  lf = now

  if f >= threshold then
    lc = lc + 1
    local d = base
    for i = 2, lc do
      d = d * 2
      if d >= maxl then
        break
      end
    end
    if d > maxl then
      d = maxl
    end
    lu = now + d
    f = 0
  end

  ex = lf + window
  if lu > lf then
    ex = lu + window
  end

  rows[k] = {f, ff, lf, lu, lc, ex}
end

-- Writes start only after every key was read, a failing read leaves all counters as they were
local out = {}
for k = 1, #KEYS do
  local r = rows[k]
  redis.call('HSET', KEYS[k], 'f', r[1], 'ff', r[2], 'lf', r[3], 'lu', r[4], 'lc', r[5], 'ex', r[6])
  redis.call('PEXPIRE', KEYS[k], r[6] - now)
  for _, x in ipairs(r) do
    table.insert(out, x)
  end
end

return out
`)

const counterFields = 6

// RedisStore shares counters between service replicas
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

func (s *RedisStore) Get(ctx context.Context, key string, now time.Time) (models.AttemptCounter, error) {
	vals, err := s.client.HMGet(ctx, s.key(key), "f", "ff", "lf", "lu", "lc", "ex").Result()
	if err != nil {
		return models.AttemptCounter{}, fmt.Errorf("redis hmget: %w", err)
	}

	fields := make([]int64, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return models.AttemptCounter{}, fmt.Errorf("unexpected redis value %T", v)
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return models.AttemptCounter{}, fmt.Errorf("corrupted counter field: %w", err)
		}
		fields[i] = n
	}

	c := counterFromFields(fields)
	if c.Expired(now) {
		return models.AttemptCounter{}, nil
	}
	return c, nil
}

func (s *RedisStore) RecordFailures(ctx context.Context, now time.Time, p Policy, failures ...Failure) ([]models.AttemptCounter, error) {
	keys := make([]string, 0, len(failures))
	args := []any{
		now.UnixMilli(),
		p.Window.Milliseconds(),
		p.BaseLockout.Milliseconds(),
		p.MaxLockout.Milliseconds(),
	}
	for _, f := range failures {
		keys = append(keys, s.key(f.Key))
		args = append(args, f.Threshold)
	}

	fields, err := recordFailuresScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis record failure: %w", err)
	}
	if len(fields) != counterFields*len(failures) {
		return nil, errors.New("redis record failure: unexpected reply")
	}

	out := make([]models.AttemptCounter, len(failures))
	for i := range out {
		out[i] = counterFromFields(fields[i*counterFields : (i+1)*counterFields])
	}
	return out, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func counterFromFields(f []int64) models.AttemptCounter {
	return models.AttemptCounter{
		Failures:     int(f[0]),
		FirstFailure: fromMillis(f[1]),
		LastFailure:  fromMillis(f[2]),
		LockedUntil:  fromMillis(f[3]),
		Lockouts:     int(f[4]),
		ExpiresAt:    fromMillis(f[5]),
	}
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
