// Package ratelimit 基于 Redis Lua 的令牌桶限流，约束对源站的请求速率。
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Driftcell/goofish-v2/internal/pkg/metrics"
)

// 令牌桶：按经过时间补充令牌，最多 burst 个，取到令牌返回 1。
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])
if tokens == nil then
  tokens = burst
  ts = now
end

local elapsed = math.max(0, now - ts)
tokens = math.min(burst, tokens + elapsed * rate / 1000)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', key, 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', key, math.ceil(burst / rate * 1000) * 2)
return allowed
`)

// Limiter 单个键空间上的分布式令牌桶。
type Limiter struct {
	rdb   *redis.Client
	key   string
	rate  float64 // 每秒补充令牌数
	burst int
}

// New 创建限流器；rate 与 burst 非法时回退为 1。
func New(rdb *redis.Client, key string, rate float64, burst int) *Limiter {
	if rate <= 0 {
		rate = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{rdb: rdb, key: "ratelimit:" + key, rate: rate, burst: burst}
}

// Allow 尝试取一个令牌，不阻塞。
func (l *Limiter) Allow(ctx context.Context) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := tokenBucketScript.Run(ctx, l.rdb, []string{l.key}, l.rate, l.burst, now).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit script: %w", err)
	}
	return res == 1, nil
}

// Wait 阻塞直到取得令牌或 ctx 取消。
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		ok, err := l.Allow(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			metrics.RateLimitTimeoutTotal.Inc()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
