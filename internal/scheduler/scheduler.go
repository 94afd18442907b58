// Package scheduler 管理按租户注册的周期任务。
//
// 每个键（租户令牌）至多存在一个任务；重新注册先取消旧任务再启动新任务。
// 同一任务上一轮未结束时跳过本轮触发，保证单租户串行执行。
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Driftcell/goofish-v2/internal/pkg/metrics"
)

// Job 周期执行的任务体。
type Job func(ctx context.Context)

type entry struct {
	interval time.Duration
	hash     string
	cancel   context.CancelFunc
	done     chan struct{}
	running  atomic.Bool
}

// Scheduler 周期任务注册表。
type Scheduler struct {
	log *slog.Logger

	mu   sync.Mutex
	jobs map[string]*entry
}

// New 创建空调度器。
func New(log *slog.Logger) *Scheduler {
	return &Scheduler{
		log:  log,
		jobs: make(map[string]*entry),
	}
}

// Schedule 注册或替换 key 上的周期任务。
//
// hash 标识产生该任务的配置内容，由 Current 暴露给对账器做无变化判定。
// 注册后立即执行一次，随后按 interval 触发。
//
// 替换时不等待旧任务退出即返回；新任务的循环在旧任务退出后才启动，
// 保证单键上至多一个循环在跑，而注册表锁不被在途执行占住。
func (s *Scheduler) Schedule(key string, interval time.Duration, hash string, job Job) {
	if interval <= 0 {
		interval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		interval: interval,
		hash:     hash,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	old := s.jobs[key]
	s.jobs[key] = e
	metrics.ScheduledJobs.Set(float64(len(s.jobs)))
	s.mu.Unlock()

	go func() {
		if old != nil {
			old.cancel()
			<-old.done
		}
		s.loop(ctx, key, e, job)
	}()
	s.log.Info("job scheduled", "key", key, "interval", interval)
}

func (s *Scheduler) loop(ctx context.Context, key string, e *entry, job Job) {
	defer close(e.done)

	// 启动前可能已被再次替换或取消
	if ctx.Err() != nil {
		return
	}

	run := func() {
		if !e.running.CompareAndSwap(false, true) {
			s.log.Warn("previous run still in progress, skip tick", "key", key)
			return
		}
		defer e.running.Store(false)
		job(ctx)
	}

	run()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// Cancel 取消 key 上的任务并等待其退出；不存在时为空操作。
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	e, ok := s.jobs[key]
	if ok {
		delete(s.jobs, key)
		metrics.ScheduledJobs.Set(float64(len(s.jobs)))
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	e.cancel()
	<-e.done
	s.log.Info("job cancelled", "key", key)
}

// Current 返回 key 上已注册任务的间隔与配置哈希。
func (s *Scheduler) Current(key string) (interval time.Duration, hash string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[key]
	if !ok {
		return 0, "", false
	}
	return e.interval, e.hash, true
}

// Keys 返回所有已注册的键。
func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.jobs))
	for k := range s.jobs {
		keys = append(keys, k)
	}
	return keys
}

// StopAll 取消全部任务并等待退出，进程关闭时调用。
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.jobs))
	for k, e := range s.jobs {
		entries = append(entries, e)
		delete(s.jobs, k)
	}
	metrics.ScheduledJobs.Set(0)
	s.mu.Unlock()

	for _, e := range entries {
		e.cancel()
		<-e.done
	}
	s.log.Info("all jobs stopped", "count", len(entries))
}
