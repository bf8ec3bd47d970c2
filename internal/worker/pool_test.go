package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hragent/usageguard/internal/queue"
	goredis "github.com/redis/go-redis/v9"
)

type recordingHandler struct {
	mu    sync.Mutex
	seen  []queue.UsageIncrement
	fail  error
	panic bool
}

func (h *recordingHandler) CanHandle(kind queue.Kind) bool {
	return kind == queue.KindUsageIncrement
}

func (h *recordingHandler) Execute(ctx context.Context, job *queue.Job) error {
	if h.panic {
		panic("boom")
	}
	h.mu.Lock()
	h.seen = append(h.seen, *job.Payload.UsageIncrement)
	h.mu.Unlock()
	return h.fail
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.New(rdb, queue.Config{Stream: "test:jobs", Group: "test-workers", Block: 50 * time.Millisecond})
	if err := q.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	return q
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPoolExecutesJobsAndFinishesThem(t *testing.T) {
	q := newTestQueue(t)
	handler := &recordingHandler{}
	pool := NewPool(q, Config{Workers: 3, Name: "test"}, handler)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	pool.Start(ctx)

	var handles []queue.JobHandle
	for i := 0; i < 10; i++ {
		handle, err := q.Enqueue(context.Background(), queue.NewUsageIncrement("user:1", "2026-10-17", int64(i+1)))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		handles = append(handles, handle)
	}

	waitFor(t, "all jobs processed", func() bool { return pool.Stats().Processed == 10 })
	cancel()
	pool.Wait()

	if handler.count() != 10 {
		t.Fatalf("handled = %d, want 10", handler.count())
	}
	for _, handle := range handles {
		status, err := q.FetchStatus(context.Background(), handle.ID)
		if err != nil {
			t.Fatalf("fetch status: %v", err)
		}
		if status.Status != queue.StatusFinished {
			t.Fatalf("job %s status = %s, want finished", handle.ID, status.Status)
		}
	}
	if stats := pool.Stats(); stats.Failed != 0 || stats.Workers != 3 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestPoolFailsJobAndCallsHook(t *testing.T) {
	q := newTestQueue(t)
	handler := &recordingHandler{fail: errors.New("store down")}
	pool := NewPool(q, Config{Workers: 1, Name: "test"}, handler)

	failures := make(chan error, 1)
	pool.OnFailure(func(ctx context.Context, job *queue.Job, jobErr error) {
		failures <- jobErr
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		pool.Wait()
	}()
	pool.Start(ctx)

	handle, err := q.Enqueue(context.Background(), queue.NewUsageIncrement("user:1", "2026-10-17", 5))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case jobErr := <-failures:
		if jobErr == nil || jobErr.Error() != "store down" {
			t.Fatalf("hook error = %v", jobErr)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("failure hook not called")
	}

	status, err := q.FetchStatus(context.Background(), handle.ID)
	if err != nil {
		t.Fatalf("fetch status: %v", err)
	}
	if status.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", status.Status)
	}
	if failed, _ := q.FailedCount(context.Background()); failed != 1 {
		t.Fatalf("dead letters = %d, want 1", failed)
	}
}

func TestPoolFailsJobWithoutHandler(t *testing.T) {
	q := newTestQueue(t)
	pool := NewPool(q, Config{Workers: 1, Name: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	handle, err := q.Enqueue(context.Background(), queue.NewUsageIncrement("user:1", "2026-10-17", 5))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "job failed", func() bool { return pool.Stats().Failed == 1 })
	cancel()
	pool.Wait()

	status, _ := q.FetchStatus(context.Background(), handle.ID)
	if status.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", status.Status)
	}
}

func TestPoolRecoversHandlerPanic(t *testing.T) {
	q := newTestQueue(t)
	pool := NewPool(q, Config{Workers: 1, Name: "test"}, &recordingHandler{panic: true})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	if _, err := q.Enqueue(context.Background(), queue.NewUsageIncrement("user:1", "2026-10-17", 5)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "panicking job failed", func() bool { return pool.Stats().Failed == 1 })
	cancel()
	pool.Wait()
}

type flakySource struct {
	mu    sync.Mutex
	reads int
}

func (s *flakySource) Read(ctx context.Context, consumer string) (*queue.Job, error) {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
	return nil, errors.New("connection refused")
}

func (s *flakySource) MarkRunning(context.Context, *queue.Job) error { return nil }

func (s *flakySource) Complete(context.Context, *queue.Job, error) error { return nil }

func TestPoolStopsDuringBackoff(t *testing.T) {
	source := &flakySource{}
	pool := NewPool(source, Config{Workers: 2, Name: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	waitFor(t, "first reads", func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return source.reads >= 2
	})

	done := make(chan struct{})
	go func() {
		cancel()
		pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pool did not stop while backing off")
	}
}
