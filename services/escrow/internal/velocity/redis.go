package velocity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "barter:escrow:velocity:"

// Members are "<reservation id>|<amount>" scored by reservation time in ms.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local max_trades = tonumber(ARGV[3])
local max_volume = tonumber(ARGV[4])
local amount = tonumber(ARGV[5])
local member = ARGV[6]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now_ms - window_ms)

local members = redis.call("ZRANGE", key, 0, -1)
local count = #members
local volume = 0
for _, m in ipairs(members) do
  local sep = string.find(m, "|", 1, true)
  if sep then
    volume = volume + tonumber(string.sub(m, sep + 1))
  end
end

if count >= max_trades then
  return {0, 1, count, volume}
end
if amount > max_volume - volume then
  return {0, 2, count, volume}
end

redis.call("ZADD", key, now_ms, member)
redis.call("PEXPIRE", key, window_ms)
return {1, 0, count, volume}
`)

var releaseScript = redis.NewScript(`
local members = redis.call("ZRANGE", KEYS[1], 0, -1)
local prefix = ARGV[1] .. "|"
for _, m in ipairs(members) do
  if string.sub(m, 1, #prefix) == prefix then
    redis.call("ZREM", KEYS[1], m)
  end
end
return 1
`)

type RedisStore struct {
	client *redis.Client
	limits Limits
	prefix string
}

func NewRedis(client *redis.Client, limits Limits, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		limits: limits,
		prefix: prefix,
	}
}

func (s *RedisStore) Reserve(ctx context.Context, key, reservationID string, amountVP int64, now time.Time) (Decision, error) {
	windowMS := s.limits.Window.Milliseconds()
	if windowMS <= 0 {
		return Decision{}, fmt.Errorf("invalid velocity window")
	}
	member := reservationID + "|" + strconv.FormatInt(amountVP, 10)

	res, err := reserveScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(), windowMS, s.limits.MaxTrades, s.limits.MaxVolume, amountVP, member).Result()
	if err != nil {
		return Decision{}, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 4 {
		return Decision{}, fmt.Errorf("unexpected redis response")
	}
	ints := make([]int64, len(vals))
	for i, v := range vals {
		n, ok := v.(int64)
		if !ok {
			return Decision{}, fmt.Errorf("unexpected redis response")
		}
		ints[i] = n
	}

	d := Decision{Allowed: ints[0] == 1, Count: int(ints[2]), Volume: ints[3]}
	switch ints[1] {
	case 1:
		d.Reason = ReasonCount
	case 2:
		d.Reason = ReasonVolume
	}
	return d, nil
}

func (s *RedisStore) Release(ctx context.Context, key, reservationID string) error {
	return releaseScript.Run(ctx, s.client, []string{s.prefix + key}, reservationID).Err()
}
