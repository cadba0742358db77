package mining

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// comboLua advances the streak atomically so concurrent taps from several
// API instances never lose an increment.
const comboLua = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local count = tonumber(redis.call('HGET', key, 'count') or '0')
local last = tonumber(redis.call('HGET', key, 'last') or '0')
if count == nil then count = 0 end
if last == nil then last = 0 end

if count <= 0 or (now - last) > window then
  count = 1
else
  count = count + 1
end

redis.call('HSET', key, 'count', tostring(count), 'last', ARGV[1])
redis.call('PEXPIRE', key, ttl)
return {count, now}
`

// RedisCombo shares combo streaks between API instances.
type RedisCombo struct {
	Rdb    *redis.Client
	Prefix string
	Window time.Duration

	script *redis.Script
}

func NewRedisCombo(rdb *redis.Client, window time.Duration) *RedisCombo {
	return &RedisCombo{
		Rdb:    rdb,
		Prefix: "tap:combo:",
		Window: window,
		script: redis.NewScript(comboLua),
	}
}

func (r *RedisCombo) key(userID int64) string {
	return r.Prefix + strconv.FormatInt(userID, 10)
}

func (r *RedisCombo) Advance(ctx context.Context, userID int64, now time.Time) (ComboState, error) {
	out, err := r.script.Run(ctx, r.Rdb, []string{r.key(userID)}, now.UnixMilli(), r.Window.Milliseconds(), comboTTL(r.Window).Milliseconds()).Result()
	if err != nil {
		return ComboState{}, fmt.Errorf("combo advance: %w", err)
	}
	parts, ok := out.([]interface{})
	if !ok || len(parts) < 2 {
		return ComboState{}, errors.New("combo advance: bad script response")
	}
	count, _ := parts[0].(int64)
	lastMs, _ := parts[1].(int64)
	if count <= 0 {
		return ComboState{}, errors.New("combo advance: bad count")
	}
	return ComboState{Count: count, LastTapAt: time.UnixMilli(lastMs).UTC()}, nil
}

func (r *RedisCombo) Peek(ctx context.Context, userID int64, now time.Time) (ComboState, bool, error) {
	vals, err := r.Rdb.HMGet(ctx, r.key(userID), "count", "last").Result()
	if err != nil {
		return ComboState{}, false, fmt.Errorf("combo peek: %w", err)
	}
	if len(vals) < 2 || vals[0] == nil || vals[1] == nil {
		return ComboState{}, false, nil
	}
	count, _ := strconv.ParseInt(asString(vals[0]), 10, 64)
	lastMs, _ := strconv.ParseInt(asString(vals[1]), 10, 64)
	st := ComboState{Count: count, LastTapAt: time.UnixMilli(lastMs).UTC()}
	if st.Count <= 0 || now.Sub(st.LastTapAt) > r.Window {
		return ComboState{}, false, nil
	}
	return st, true, nil
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return ""
	}
}
