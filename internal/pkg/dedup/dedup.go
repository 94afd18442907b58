// Package dedup 基于 Redis SETNX 的短窗口去重。
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper 在时间窗口内判定某个值是否已处理过。
//
// 图片抓取用它避免同一 URL 在窗口内重复下载；键在 TTL 过期后自动释放。
type Deduper struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// New 创建去重器，prefix 用于隔离不同用途的键空间。
func New(rdb *redis.Client, prefix string, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Deduper{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Seen 原子判定 value 是否首次出现：首次返回 false 并占位，窗口内再次出现返回 true。
func (d *Deduper) Seen(ctx context.Context, value string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, d.key(value), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !ok, nil
}

// Forget 主动释放一个键，失败回滚时让 URL 可立即重试。
func (d *Deduper) Forget(ctx context.Context, value string) error {
	return d.rdb.Del(ctx, d.key(value)).Err()
}

func (d *Deduper) key(value string) string {
	sum := sha256.Sum256([]byte(value))
	return d.prefix + ":" + hex.EncodeToString(sum[:])
}
