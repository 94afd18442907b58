package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPoolProcessesAllTasks(t *testing.T) {
	for _, workers := range []int{1, 5, 10} {
		workers := workers
		t.Run(fmt.Sprintf("workers_%d", workers), func(t *testing.T) {
			var processed atomic.Int64
			pool := NewPool(workers, 16, func(ctx context.Context, task Task) (Outcome, error) {
				processed.Add(1)
				return Stored, nil
			}, discardLogger())

			ctx := context.Background()
			pool.Start(ctx)

			batch := pool.NewBatch()
			const total = 100
			for i := 0; i < total; i++ {
				if err := batch.Enqueue(ctx, Task{URL: fmt.Sprintf("u%d", i), Name: fmt.Sprintf("n%d", i)}); err != nil {
					t.Fatalf("enqueue %d: %v", i, err)
				}
			}
			if err := batch.Drain(ctx); err != nil {
				t.Fatalf("drain: %v", err)
			}
			pool.Stop()

			if got := processed.Load(); got != total {
				t.Fatalf("processed = %d, want %d", got, total)
			}
			stats := batch.Stats()
			if stats.Submitted != total || stats.Stored != total {
				t.Fatalf("batch stats = %+v", stats)
			}
			if pool.Stats().Submitted != total {
				t.Fatalf("pool stats = %+v", pool.Stats())
			}
		})
	}
}

func TestBatchDrainWaitsForInflight(t *testing.T) {
	release := make(chan struct{})
	var done atomic.Int64
	pool := NewPool(2, 4, func(ctx context.Context, task Task) (Outcome, error) {
		<-release
		done.Add(1)
		return Stored, nil
	}, discardLogger())

	ctx := context.Background()
	pool.Start(ctx)
	batch := pool.NewBatch()
	for i := 0; i < 4; i++ {
		if err := batch.Enqueue(ctx, Task{URL: fmt.Sprintf("u%d", i)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	drained := make(chan error, 1)
	go func() { drained <- batch.Drain(ctx) }()

	select {
	case <-drained:
		t.Fatal("drain returned before tasks finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-drained; err != nil {
		t.Fatalf("drain: %v", err)
	}
	if done.Load() != 4 {
		t.Fatalf("done = %d, want 4", done.Load())
	}
	pool.Stop()
}

func TestBatchDrainOnlyWaitsOwnTasks(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(2, 8, func(ctx context.Context, task Task) (Outcome, error) {
		if task.URL == "slow" {
			<-release
		}
		return Stored, nil
	}, discardLogger())

	ctx := context.Background()
	pool.Start(ctx)

	slow := pool.NewBatch()
	if err := slow.Enqueue(ctx, Task{URL: "slow"}); err != nil {
		t.Fatalf("enqueue slow: %v", err)
	}
	slowDrained := make(chan error, 1)
	go func() { slowDrained <- slow.Drain(ctx) }()

	// 另一个批次在前者 Drain 期间照常入队并排空
	fast := pool.NewBatch()
	for i := 0; i < 3; i++ {
		if err := fast.Enqueue(ctx, Task{URL: fmt.Sprintf("fast%d", i)}); err != nil {
			t.Fatalf("enqueue fast: %v", err)
		}
	}
	fastDrained := make(chan error, 1)
	go func() { fastDrained <- fast.Drain(ctx) }()

	select {
	case <-slowDrained:
		t.Fatal("slow batch drained while its task is still blocked")
	case err := <-fastDrained:
		if err != nil {
			t.Fatalf("fast drain: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fast batch never drained")
	}

	close(release)
	if err := <-slowDrained; err != nil {
		t.Fatalf("slow drain: %v", err)
	}
	pool.Stop()
}

func TestConcurrentBatchesOnSharedPool(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(5, 8, func(ctx context.Context, task Task) (Outcome, error) {
		processed.Add(1)
		return Stored, nil
	}, discardLogger())

	ctx := context.Background()
	pool.Start(ctx)

	// 多个批次在共享池上同时入队并各自 Drain，模拟多租户并发执行
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for round := 0; round < 5; round++ {
				batch := pool.NewBatch()
				for i := 0; i < 5; i++ {
					if err := batch.Enqueue(ctx, Task{URL: fmt.Sprintf("b%d-r%d-%d", p, round, i)}); err != nil {
						t.Errorf("enqueue: %v", err)
						return
					}
				}
				if err := batch.Drain(ctx); err != nil {
					t.Errorf("drain: %v", err)
					return
				}
				if got := batch.Stats().Stored; got != 5 {
					t.Errorf("batch stored = %d, want 5", got)
					return
				}
			}
		}(p)
	}
	wg.Wait()
	pool.Stop()

	if processed.Load() != 200 {
		t.Fatalf("processed = %d, want 200", processed.Load())
	}
}

func TestBatchEnqueueBlocksWhenFull(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(ctx context.Context, task Task) (Outcome, error) {
		<-release
		return Stored, nil
	}, discardLogger())

	ctx := context.Background()
	pool.Start(ctx)
	batch := pool.NewBatch()

	// 第一个被 worker 取走，第二个占满队列，第三个必须阻塞
	for i := 0; i < 2; i++ {
		if err := batch.Enqueue(ctx, Task{URL: fmt.Sprintf("u%d", i)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := batch.Enqueue(blocked, Task{URL: "u2"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("enqueue on full queue = %v, want deadline exceeded", err)
	}

	close(release)
	if err := batch.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	pool.Stop()
}

func TestBatchCountsOutcomes(t *testing.T) {
	pool := NewPool(3, 8, func(ctx context.Context, task Task) (Outcome, error) {
		switch task.URL {
		case "skip":
			return Skipped, nil
		case "fail":
			return Failed, errors.New("boom")
		default:
			return Stored, nil
		}
	}, discardLogger())

	ctx := context.Background()
	pool.Start(ctx)
	batch := pool.NewBatch()
	for _, url := range []string{"a", "skip", "fail", "b", "skip"} {
		if err := batch.Enqueue(ctx, Task{URL: url}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := batch.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	pool.Stop()

	stats := batch.Stats()
	if stats.Stored != 2 || stats.Skipped != 2 || stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestBatchEnqueueAfterStop(t *testing.T) {
	pool := NewPool(1, 1, func(ctx context.Context, task Task) (Outcome, error) {
		return Stored, nil
	}, discardLogger())
	pool.Start(context.Background())
	pool.Stop()

	batch := pool.NewBatch()
	if err := batch.Enqueue(context.Background(), Task{URL: "u"}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("enqueue after stop = %v, want ErrPoolClosed", err)
	}
}
