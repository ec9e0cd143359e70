package task_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pdietl/waypipe-go/internal/task"
)

// TestPoolRunsAllTasks verifies that every enqueued task executes exactly
// once across the pool workers.
func TestPoolRunsAllTasks(t *testing.T) {
	t.Parallel()

	const tasks = 100

	p := task.NewPool(4)
	defer p.Stop()

	var ran atomic.Int64
	for i := 0; i < tasks; i++ {
		err := p.Enqueue(task.Task{
			Kind: task.KindDiffRegion,
			Run: func() error {
				ran.Add(1)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	if err := p.WaitIdle(); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	if got := ran.Load(); got != tasks {
		t.Errorf("ran %d tasks, want %d", got, tasks)
	}
}

// TestZeroWorkerPoolProgresses verifies the drain contract's deadlock
// guarantee: a pool with no workers still completes all work because the
// waiting caller executes tasks itself.
func TestZeroWorkerPoolProgresses(t *testing.T) {
	t.Parallel()

	p := task.NewPool(0)
	defer p.Stop()

	var ran atomic.Int64
	for i := 0; i < 10; i++ {
		if err := p.Enqueue(task.Task{
			Kind: task.KindCompressBlock,
			Run: func() error {
				ran.Add(1)
				return nil
			},
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	if err := p.WaitIdle(); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	if got := ran.Load(); got != 10 {
		t.Errorf("ran %d tasks, want 10", got)
	}
}

// TestWaitIdleStealsWhileWorkersBusy verifies that the enqueuer makes
// progress on queued tasks while all pool workers are occupied.
func TestWaitIdleStealsWhileWorkersBusy(t *testing.T) {
	t.Parallel()

	p := task.NewPool(1)
	defer p.Stop()

	block := make(chan struct{})
	if err := p.Enqueue(task.Task{
		Kind: task.KindDiffRegion,
		Run: func() error {
			<-block
			return nil
		},
	}); err != nil {
		t.Fatalf("enqueue blocker: %v", err)
	}

	// Give the single worker time to pick up the blocking task.
	time.Sleep(10 * time.Millisecond)

	var stolen atomic.Int64
	for i := 0; i < 5; i++ {
		if err := p.Enqueue(task.Task{
			Kind: task.KindApplyDiff,
			Run: func() error {
				stolen.Add(1)
				return nil
			},
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- p.WaitIdle() }()

	// The caller must complete the five queued tasks even though the
	// only worker is still blocked.
	deadline := time.After(2 * time.Second)
	for stolen.Load() < 5 {
		select {
		case <-deadline:
			t.Fatalf("caller stole %d tasks, want 5", stolen.Load())
		case <-time.After(time.Millisecond):
		}
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("wait idle: %v", err)
	}
}

// TestPoolErrorReported verifies that a failing task surfaces through
// WaitIdle and that the flag clears after being read.
func TestPoolErrorReported(t *testing.T) {
	t.Parallel()

	p := task.NewPool(2)
	defer p.Stop()

	boom := errors.New("scan failed")
	if err := p.Enqueue(task.Task{
		Kind: task.KindDiffRegion,
		Run:  func() error { return boom },
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := p.WaitIdle(); !errors.Is(err, boom) {
		t.Errorf("wait idle: %v, want wrapped %v", err, boom)
	}
	if err := p.WaitIdle(); err != nil {
		t.Errorf("second wait idle: %v, want nil after clear", err)
	}
}

// TestPoolStopRejectsEnqueue verifies the cooperative shutdown: Stop
// drains workers, later enqueues fail, and Stop is idempotent.
func TestPoolStopRejectsEnqueue(t *testing.T) {
	t.Parallel()

	p := task.NewPool(3)

	var ran atomic.Int64
	for i := 0; i < 20; i++ {
		if err := p.Enqueue(task.Task{
			Kind: task.KindDecompressBlock,
			Run: func() error {
				ran.Add(1)
				return nil
			},
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	p.Stop()
	p.Stop() // idempotent

	// Queued work ahead of the sentinel completed before workers exited.
	if got := ran.Load(); got != 20 {
		t.Errorf("ran %d tasks before stop, want 20", got)
	}

	if err := p.Enqueue(task.Task{Kind: task.KindDiffRegion, Run: func() error { return nil }}); !errors.Is(err, task.ErrPoolStopped) {
		t.Errorf("enqueue after stop: %v, want ErrPoolStopped", err)
	}
}

// TestPoolConcurrentEnqueuers verifies queue integrity under several
// producing goroutines applying backpressure against the bounded queue.
func TestPoolConcurrentEnqueuers(t *testing.T) {
	t.Parallel()

	const producers = 8
	const perProducer = 200

	p := task.NewPool(2)
	defer p.Stop()

	var ran atomic.Int64
	var wg sync.WaitGroup
	wg.Add(producers)
	for i := 0; i < producers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				if err := p.Enqueue(task.Task{
					Kind: task.KindCompressBlock,
					Run: func() error {
						ran.Add(1)
						return nil
					},
				}); err != nil {
					t.Errorf("enqueue: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if err := p.WaitIdle(); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	if got := ran.Load(); got != producers*perProducer {
		t.Errorf("ran %d tasks, want %d", got, producers*perProducer)
	}
}
