package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func newTestScheduler() *Scheduler {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestScheduleRunsImmediatelyThenTicks(t *testing.T) {
	s := newTestScheduler()
	defer s.StopAll()

	var runs atomic.Int64
	s.Schedule("tok-1", 30*time.Millisecond, "h1", func(ctx context.Context) {
		runs.Add(1)
	})

	deadline := time.Now().Add(time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if runs.Load() < 3 {
		t.Fatalf("runs = %d, want >= 3", runs.Load())
	}
}

func TestScheduleReplacesExistingJob(t *testing.T) {
	s := newTestScheduler()
	defer s.StopAll()

	var oldRuns, newRuns atomic.Int64
	s.Schedule("tok-1", 20*time.Millisecond, "h1", func(ctx context.Context) {
		oldRuns.Add(1)
	})
	time.Sleep(50 * time.Millisecond)

	s.Schedule("tok-1", 20*time.Millisecond, "h2", func(ctx context.Context) {
		newRuns.Add(1)
	})
	// 旧任务的取消异步下发，等它落地后再取快照
	time.Sleep(10 * time.Millisecond)
	snapshot := oldRuns.Load()
	time.Sleep(80 * time.Millisecond)

	if oldRuns.Load() != snapshot {
		t.Fatalf("old job still running after replace: %d -> %d", snapshot, oldRuns.Load())
	}
	if newRuns.Load() == 0 {
		t.Fatal("new job never ran")
	}
	if _, hash, ok := s.Current("tok-1"); !ok || hash != "h2" {
		t.Fatalf("current hash = %q, want h2", hash)
	}
	if len(s.Keys()) != 1 {
		t.Fatalf("keys = %v, want exactly one", s.Keys())
	}
}

func TestScheduleReturnsWhileOldJobInFlight(t *testing.T) {
	s := newTestScheduler()
	defer s.StopAll()

	started := make(chan struct{})
	s.Schedule("tok-1", time.Hour, "h1", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started

	// 旧任务还卡在执行中，替换注册必须立刻返回，注册表保持可用
	var newRuns atomic.Int64
	replaced := make(chan struct{})
	go func() {
		s.Schedule("tok-1", time.Hour, "h2", func(ctx context.Context) {
			newRuns.Add(1)
		})
		close(replaced)
	}()
	select {
	case <-replaced:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Schedule blocked on the in-flight job")
	}
	if _, hash, ok := s.Current("tok-1"); !ok || hash != "h2" {
		t.Fatalf("current hash = %q, want h2 right after replace", hash)
	}

	// 新循环在旧任务退出后启动
	deadline := time.Now().Add(time.Second)
	for newRuns.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if newRuns.Load() == 0 {
		t.Fatal("replacement job never ran")
	}
}

func TestSkipTickWhileRunning(t *testing.T) {
	s := newTestScheduler()
	defer s.StopAll()

	var concurrent, max atomic.Int64
	s.Schedule("tok-1", 10*time.Millisecond, "h1", func(ctx context.Context) {
		cur := concurrent.Add(1)
		for {
			m := max.Load()
			if cur <= m || max.CompareAndSwap(m, cur) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		concurrent.Add(-1)
	})

	time.Sleep(200 * time.Millisecond)
	if max.Load() != 1 {
		t.Fatalf("max concurrency = %d, want 1", max.Load())
	}
}

func TestCancelStopsJob(t *testing.T) {
	s := newTestScheduler()
	defer s.StopAll()

	var runs atomic.Int64
	s.Schedule("tok-1", 20*time.Millisecond, "h1", func(ctx context.Context) {
		runs.Add(1)
	})
	time.Sleep(30 * time.Millisecond)

	s.Cancel("tok-1")
	snapshot := runs.Load()
	time.Sleep(60 * time.Millisecond)

	if runs.Load() != snapshot {
		t.Fatal("job ran after cancel")
	}
	if _, _, ok := s.Current("tok-1"); ok {
		t.Fatal("cancelled job still registered")
	}

	// 取消不存在的键是空操作
	s.Cancel("tok-missing")
}

func TestStopAll(t *testing.T) {
	s := newTestScheduler()

	var runs atomic.Int64
	for _, key := range []string{"a", "b", "c"} {
		s.Schedule(key, 20*time.Millisecond, "h", func(ctx context.Context) {
			runs.Add(1)
		})
	}
	time.Sleep(30 * time.Millisecond)

	s.StopAll()
	snapshot := runs.Load()
	time.Sleep(60 * time.Millisecond)

	if runs.Load() != snapshot {
		t.Fatal("jobs ran after StopAll")
	}
	if len(s.Keys()) != 0 {
		t.Fatalf("keys = %v, want empty", s.Keys())
	}
}

func TestJobContextCancelledOnCancel(t *testing.T) {
	s := newTestScheduler()
	defer s.StopAll()

	started := make(chan struct{})
	stopped := make(chan struct{})
	s.Schedule("tok-1", time.Hour, "h1", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(stopped)
	})

	<-started
	s.Cancel("tok-1")

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("job context not cancelled")
	}
}
