package transfer_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pdietl/waypipe-go/internal/transfer"
)

// TestBufferFIFOOrder verifies that segments drain in message number order
// even when commits arrive reversed.
func TestBufferFIFOOrder(t *testing.T) {
	t.Parallel()

	b := transfer.NewBuffer()

	nums := make([]uint32, 4)
	for i := range nums {
		n, err := b.Reserve()
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		nums[i] = n
	}

	// Commit in reverse order.
	for i := len(nums) - 1; i >= 0; i-- {
		b.Commit(nums[i], []byte{byte(i)})
	}

	for i := range nums {
		seg, err := b.Next()
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		if seg.MsgNo != nums[i] {
			t.Errorf("segment %d: msgno = %d, want %d", i, seg.MsgNo, nums[i])
		}
		if len(seg.Data) != 1 || seg.Data[0] != byte(i) {
			t.Errorf("segment %d: data = %v", i, seg.Data)
		}
	}
}

// TestBufferWaitsForGap verifies that the consumer blocks on a gap left by
// a slow producer instead of delivering a later segment early.
func TestBufferWaitsForGap(t *testing.T) {
	t.Parallel()

	b := transfer.NewBuffer()

	first, err := b.Reserve()
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	second, err := b.Reserve()
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Only the later segment is ready.
	b.Commit(second, []byte("late"))

	if _, ok, tErr := b.TryNext(); tErr != nil || ok {
		t.Fatalf("TryNext across gap: ok=%v err=%v, want no segment", ok, tErr)
	}

	done := make(chan transfer.Segment, 2)
	go func() {
		for n := 0; n < 2; n++ {
			seg, nErr := b.Next()
			if nErr != nil {
				return
			}
			done <- seg
		}
	}()

	// Give the consumer a chance to block on the gap.
	time.Sleep(10 * time.Millisecond)
	b.Commit(first, []byte("early"))

	got1 := <-done
	got2 := <-done
	if got1.MsgNo != first || string(got1.Data) != "early" {
		t.Errorf("first drained = %d %q", got1.MsgNo, got1.Data)
	}
	if got2.MsgNo != second || string(got2.Data) != "late" {
		t.Errorf("second drained = %d %q", got2.MsgNo, got2.Data)
	}
}

// TestBufferAbortSkipped verifies that aborted reservations are skipped
// transparently by the consumer.
func TestBufferAbortSkipped(t *testing.T) {
	t.Parallel()

	b := transfer.NewBuffer()

	n1, _ := b.Reserve()
	n2, _ := b.Reserve()
	n3, _ := b.Reserve()

	b.Abort(n1)
	b.Commit(n2, []byte("kept"))
	b.Abort(n3)
	b.Stop()

	seg, err := b.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if seg.MsgNo != n2 || string(seg.Data) != "kept" {
		t.Errorf("drained = %d %q, want %d \"kept\"", seg.MsgNo, seg.Data, n2)
	}

	if _, err := b.Next(); !errors.Is(err, transfer.ErrBufferStopped) {
		t.Errorf("after drain: got %v, want ErrBufferStopped", err)
	}
}

// TestBufferStop verifies the shutdown contract: reservations fail after
// Stop, committed segments drain out, then the consumer sees the sentinel.
func TestBufferStop(t *testing.T) {
	t.Parallel()

	b := transfer.NewBuffer()

	n, err := b.Reserve()
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	b.Commit(n, []byte("tail"))
	b.Stop()

	if _, err := b.Reserve(); !errors.Is(err, transfer.ErrBufferStopped) {
		t.Errorf("reserve after stop: got %v, want ErrBufferStopped", err)
	}

	seg, err := b.Next()
	if err != nil {
		t.Fatalf("drain after stop: %v", err)
	}
	if string(seg.Data) != "tail" {
		t.Errorf("drained %q, want \"tail\"", seg.Data)
	}

	if _, err := b.Next(); !errors.Is(err, transfer.ErrBufferStopped) {
		t.Errorf("after full drain: got %v, want ErrBufferStopped", err)
	}
}

// TestBufferConcurrentProducers verifies ordering with many producers
// committing out of order from separate goroutines.
func TestBufferConcurrentProducers(t *testing.T) {
	t.Parallel()

	const segments = 200

	b := transfer.NewBuffer()

	nums := make([]uint32, segments)
	for i := range nums {
		n, err := b.Reserve()
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		nums[i] = n
	}

	var wg sync.WaitGroup
	for i := range nums {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Commit(nums[i], []byte{byte(i), byte(i >> 8)})
		}()
	}

	var drained int
	for drained < segments {
		seg, err := b.Next()
		if err != nil {
			t.Fatalf("next after %d segments: %v", drained, err)
		}
		if seg.MsgNo != nums[drained] {
			t.Fatalf("segment %d: msgno = %d, want %d", drained, seg.MsgNo, nums[drained])
		}
		drained++
	}
	wg.Wait()

	if got := b.InFlight(); got != 0 {
		t.Errorf("in flight after drain = %d, want 0", got)
	}
}
