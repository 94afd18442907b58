// Package ingest 实现有界的图片摄取流水线：固定 worker 池从队列消费下载任务，
// 去重后写入对象存储。生产者按批次入队，抓取阶段结束后通过批次的 Drain
// 等待本批任务全部落盘，互不影响并发执行的其他批次。
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Driftcell/goofish-v2/internal/pkg/metrics"
)

// Task 一个待下载的图片。
type Task struct {
	Token string // 所属租户
	URL   string // 源图片地址
	Name  string // 对象存储内的文件名

	batch *Batch
}

// Outcome 单个任务的处理结果。
type Outcome int

const (
	Stored  Outcome = iota // 已下载并写入
	Skipped                // 已存在或窗口内重复，跳过
	Failed                 // 下载或写入失败
)

// ProcessFunc 执行一个下载任务。
type ProcessFunc func(ctx context.Context, task Task) (Outcome, error)

// ErrPoolClosed 池已停止后继续入队。
var ErrPoolClosed = errors.New("ingest: pool closed")

// Stats 累计计数快照。
type Stats struct {
	Submitted int64
	Stored    int64
	Skipped   int64
	Failed    int64
}

// Pool 固定大小的 worker 池，可同时服务多个批次。
// 容量满时入队阻塞，形成对生产者的背压。
type Pool struct {
	process ProcessFunc
	log     *slog.Logger

	tasks   chan Task
	workers int

	wg sync.WaitGroup // worker 生命周期

	closed atomic.Bool

	submitted atomic.Int64
	stored    atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

// NewPool 创建未启动的池。workers 与 capacity 非法时回退为 1。
func NewPool(workers, capacity int, process ProcessFunc, log *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		process: process,
		log:     log,
		tasks:   make(chan Task, capacity),
		workers: workers,
	}
}

// Start 启动全部 worker。
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop 关闭队列并等待 worker 退出，已入队任务仍会被处理。
func (p *Pool) Stop() {
	if p.closed.Swap(true) {
		return
	}
	close(p.tasks)
	p.wg.Wait()
}

// Stats 返回池级累计计数快照（所有批次之和）。
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Stored:    p.stored.Load(),
		Skipped:   p.skipped.Load(),
		Failed:    p.failed.Load(),
	}
}

// Batch 一次执行内入队任务的屏障与计数。每轮流水线建一个批次：
// Drain 只等待经由本批次入队的任务，其他批次可以在此期间继续入队。
type Batch struct {
	pool *Pool

	mu       sync.Mutex
	inflight int
	waiters  []chan struct{}

	submitted atomic.Int64
	stored    atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

// NewBatch 创建空批次。
func (p *Pool) NewBatch() *Batch {
	return &Batch{pool: p}
}

// Enqueue 向池提交任务，队列满时阻塞直到有空位或 ctx 取消。
func (b *Batch) Enqueue(ctx context.Context, task Task) error {
	p := b.pool
	if p.closed.Load() {
		return ErrPoolClosed
	}
	task.batch = b

	b.mu.Lock()
	b.inflight++
	b.mu.Unlock()

	select {
	case p.tasks <- task:
		b.submitted.Add(1)
		p.submitted.Add(1)
		metrics.IngestQueueDepth.Set(float64(len(p.tasks)))
		return nil
	case <-ctx.Done():
		b.release()
		return ctx.Err()
	}
}

// Drain 阻塞直到本批次所有已入队任务处理完毕或 ctx 取消。
func (b *Batch) Drain(ctx context.Context) error {
	b.mu.Lock()
	if b.inflight == 0 {
		b.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	b.waiters = append(b.waiters, ch)
	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats 返回本批次的计数快照。
func (b *Batch) Stats() Stats {
	return Stats{
		Submitted: b.submitted.Load(),
		Stored:    b.stored.Load(),
		Skipped:   b.skipped.Load(),
		Failed:    b.failed.Load(),
	}
}

func (b *Batch) finish(outcome Outcome) {
	switch outcome {
	case Stored:
		b.stored.Add(1)
	case Skipped:
		b.skipped.Add(1)
	default:
		b.failed.Add(1)
	}
	b.release()
}

// release 递减在途计数，归零时唤醒所有 Drain 等待者。
func (b *Batch) release() {
	b.mu.Lock()
	b.inflight--
	if b.inflight == 0 {
		for _, ch := range b.waiters {
			close(ch)
		}
		b.waiters = nil
	}
	b.mu.Unlock()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		outcome, err := p.process(ctx, task)
		metrics.IngestQueueDepth.Set(float64(len(p.tasks)))
		switch outcome {
		case Stored:
			p.stored.Add(1)
			metrics.IngestImagesTotal.WithLabelValues("stored").Inc()
		case Skipped:
			p.skipped.Add(1)
			metrics.IngestImagesTotal.WithLabelValues("skipped").Inc()
		default:
			p.failed.Add(1)
			metrics.IngestImagesTotal.WithLabelValues("failed").Inc()
			if err != nil {
				p.log.Warn("image task failed",
					"worker", id, "url", task.URL, "err", err)
			}
		}
		if task.batch != nil {
			task.batch.finish(outcome)
		}
	}
}
