package remote

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/gridsight/consentgate/internal/config"
)

const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  local refill = (delta / 1000) * rate
  tokens = math.min(burst, tokens + refill)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens), ts}
`

// Throttle is a redis-backed token bucket guarding outbound webservice
// calls. A nil Throttle allows everything.
type Throttle struct {
	client *redis.Client
	script *redis.Script
	rate   float64
	burst  int
}

type ThrottleResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// NewThrottle builds the throttle from configuration. Returns nil when
// throttling is not configured (no redis addr or non-positive rate).
func NewThrottle(cfg config.Config) *Throttle {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" || cfg.RemoteRate <= 0 || cfg.RemoteBurst <= 0 {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
	})

	return &Throttle{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		rate:   cfg.RemoteRate,
		burst:  cfg.RemoteBurst,
	}
}

func (t *Throttle) Allow(ctx context.Context, key string) (*ThrottleResult, error) {
	if t == nil || t.client == nil {
		return &ThrottleResult{Allowed: true}, nil
	}
	if key == "" {
		return &ThrottleResult{Allowed: false}, errors.New("throttle key is empty")
	}

	ttl := bucketTTL(t.rate, t.burst)

	res, err := t.script.Run(
		ctx,
		t.client,
		[]string{key},
		t.rate,
		t.burst,
		int64(ttl/time.Millisecond),
	).Slice()
	if err != nil {
		return &ThrottleResult{Allowed: false}, err
	}
	if len(res) < 3 {
		return &ThrottleResult{Allowed: false}, errors.New("invalid throttle script response")
	}

	allowed := castToInt(res[0]) == 1
	remaining := castToFloat(res[1])

	retryAfter := time.Duration(0)
	if !allowed {
		needed := 1.0 - remaining
		if needed > 0 {
			retryAfter = time.Duration(needed / t.rate * float64(time.Second))
		}
	}

	return &ThrottleResult{
		Allowed:    allowed,
		Remaining:  int(remaining),
		RetryAfter: retryAfter,
	}, nil
}

func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil((float64(burst) / rate) * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func castToInt(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0
		}
		return int64(f)
	default:
		return 0
	}
}

func castToFloat(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
