package shadow_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/pdietl/waypipe-go/internal/shadow"
	"github.com/pdietl/waypipe-go/internal/task"
	"github.com/pdietl/waypipe-go/internal/transfer"
)

// testLogger returns a logger that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newShadowFile creates a temporary file of the given size filled by fill
// and returns the open file. The file is removed at cleanup.
func newShadowFile(t *testing.T, size int, fill func(i int) byte) *os.File {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "shadow-*.bin")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	t.Cleanup(func() { f.Close() })

	buf := make([]byte, size)
	for i := range buf {
		buf[i] = fill(i)
	}
	if _, err := f.Write(buf); err != nil {
		t.Fatalf("fill temp file: %v", err)
	}
	return f
}

// translateFile registers a dup of f in tbl and returns the remote id.
func translateFile(t *testing.T, tbl *shadow.Table, f *os.File) int32 {
	t.Helper()

	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	id, err := tbl.Translate(fd, 0, nil)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	return id
}

// drainBlocks collects committed segments from buf and decodes them.
func drainBlocks(t *testing.T, buf *transfer.Buffer) []transfer.Block {
	t.Helper()

	var blocks []transfer.Block
	for {
		seg, ok, err := buf.TryNext()
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		if !ok {
			return blocks
		}
		b, _, err := transfer.Unmarshal(seg.Data)
		if err != nil {
			t.Fatalf("unmarshal segment %d: %v", seg.MsgNo, err)
		}
		blocks = append(blocks, b)
	}
}

// syncOnce runs one full source-to-destination update round: collect on
// src, drain the pool and buffer, apply every block on dst, finish on src.
func syncOnce(
	t *testing.T,
	src *shadow.Table, e *shadow.Entry, srcPool *task.Pool, buf *transfer.Buffer,
	dst *shadow.Table, dstPool *task.Pool,
) {
	t.Helper()

	if err := src.CollectUpdate(e, srcPool, buf); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if err := srcPool.WaitIdle(); err != nil {
		t.Fatalf("source pool: %v", err)
	}

	for _, b := range drainBlocks(t, buf) {
		if err := dst.ApplyAsync(b, dstPool); err != nil {
			t.Fatalf("apply %s: %v", b.Type, err)
		}
	}
	if err := dstPool.WaitIdle(); err != nil {
		t.Fatalf("destination pool: %v", err)
	}

	src.FinishUpdate(e)
}

// writeRange writes fill into [lo, hi) of the entry's backing file via an
// exported descriptor, then marks the range dirty.
func writeRange(t *testing.T, tbl *shadow.Table, id int32, lo, hi int64, fill byte) {
	t.Helper()

	fd, err := tbl.ExportFD(id)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer unix.Close(fd)

	data := make([]byte, hi-lo)
	for i := range data {
		data[i] = fill
	}
	if _, err := unix.Pwrite(fd, data, lo); err != nil {
		t.Fatalf("pwrite [%d,%d): %v", lo, hi, err)
	}

	if err := tbl.MarkDirty(id, &shadow.Interval{Lo: lo, Hi: hi}); err != nil {
		t.Fatalf("mark dirty: %v", err)
	}
}

// TestFileRoundTripMatrix is the core fidelity property: random in-place
// writes to a file-kind entry, replicated with every compression mode and
// thread-count combination, alternating which side is dirty each round,
// must leave both sides byte-identical.
//
// The seed scenario: a 163840-byte file (256x320x2) initialized to
// i mod 256, five rounds of pseudo-random damage (seed 0) filled with the
// round index.
func TestFileRoundTripMatrix(t *testing.T) {
	t.Parallel()

	const size = 163840
	const rounds = 5

	algos := []shadow.Algo{shadow.AlgoNone, shadow.AlgoLZ4, shadow.AlgoZstd}

	for _, algo := range algos {
		for srcThreads := 1; srcThreads <= 5; srcThreads++ {
			for dstThreads := 1; dstThreads <= 5; dstThreads++ {
				name := fmt.Sprintf("%s/src%d/dst%d", algo, srcThreads, dstThreads)
				t.Run(name, func(t *testing.T) {
					t.Parallel()
					runRoundTrip(t, algo, srcThreads, dstThreads, size, rounds)
				})
			}
		}
	}
}

// runRoundTrip executes one matrix cell of TestFileRoundTripMatrix.
func runRoundTrip(t *testing.T, algo shadow.Algo, srcThreads, dstThreads, size, rounds int) {
	t.Helper()

	srcComp, err := shadow.NewCompressor(algo, 0)
	if err != nil {
		t.Fatalf("source compressor: %v", err)
	}
	defer srcComp.Close()
	dstComp, err := shadow.NewCompressor(algo, 0)
	if err != nil {
		t.Fatalf("destination compressor: %v", err)
	}
	defer dstComp.Close()

	logger := testLogger()
	src := shadow.NewTable(shadow.SideServer, srcComp, logger, shadow.WithParts(srcThreads))
	defer src.Close()
	dst := shadow.NewTable(shadow.SideClient, dstComp, logger, shadow.WithParts(dstThreads))
	defer dst.Close()

	srcPool := task.NewPool(srcThreads - 1)
	defer srcPool.Stop()
	dstPool := task.NewPool(dstThreads - 1)
	defer dstPool.Stop()

	f := newShadowFile(t, size, func(i int) byte { return byte(i % 256) })
	id := translateFile(t, src, f)

	e, err := src.Lookup(id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	buf := transfer.NewBuffer()

	// Initial full sync.
	syncOnce(t, src, e, srcPool, buf, dst, dstPool)

	de, err := dst.Lookup(id)
	if err != nil {
		t.Fatalf("destination lookup: %v", err)
	}
	if !bytes.Equal(e.Contents(), de.Contents()) {
		t.Fatal("contents mismatch after initial sync")
	}

	rng := rand.New(rand.NewSource(0))
	for round := 0; round < rounds; round++ {
		// Alternate the dirty side each round.
		wTbl, wEntry, wPool := src, e, srcPool
		rTbl, rPool := dst, dstPool
		if round%2 == 1 {
			wTbl, wEntry, wPool = dst, de, dstPool
			rTbl, rPool = src, srcPool
		}

		lo := rng.Int63n(int64(size))
		hi := lo + 1 + rng.Int63n(int64(size)-lo)
		writeRange(t, wTbl, id, lo, hi, byte(round))

		syncOnce(t, wTbl, wEntry, wPool, buf, rTbl, rPool)

		if !bytes.Equal(e.Contents(), de.Contents()) {
			t.Fatalf("round %d: contents mismatch after sync of [%d,%d)", round, lo, hi)
		}
		if !bytes.Equal(wEntry.Mirror(), wEntry.Contents()) {
			t.Fatalf("round %d: writer mirror diverged from contents", round)
		}
	}
}

// TestNoOpCollectEmitsNothing verifies that collecting an entry with empty
// damage queues no transfer segments.
func TestNoOpCollectEmitsNothing(t *testing.T) {
	t.Parallel()

	comp, err := shadow.NewCompressor(shadow.AlgoNone, 0)
	if err != nil {
		t.Fatalf("compressor: %v", err)
	}
	defer comp.Close()

	src := shadow.NewTable(shadow.SideServer, comp, testLogger())
	defer src.Close()
	dst := shadow.NewTable(shadow.SideClient, comp, testLogger())
	defer dst.Close()

	pool := task.NewPool(1)
	defer pool.Stop()

	f := newShadowFile(t, 8192, func(i int) byte { return byte(i) })
	id := translateFile(t, src, f)
	e, err := src.Lookup(id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	buf := transfer.NewBuffer()
	syncOnce(t, src, e, pool, buf, dst, pool)

	if e.Dirty() {
		t.Fatal("entry dirty after finish")
	}

	// Second collect with no damage: nothing may be reserved.
	if err := src.CollectUpdate(e, pool, buf); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if err := pool.WaitIdle(); err != nil {
		t.Fatalf("pool: %v", err)
	}
	if got := buf.InFlight(); got != 0 {
		t.Errorf("no-op collect queued %d segments, want 0", got)
	}
}

// TestIdempotentApply verifies that applying the same content blocks twice
// leaves the destination in the same state as applying them once, with the
// entry clean afterwards.
func TestIdempotentApply(t *testing.T) {
	t.Parallel()

	comp, err := shadow.NewCompressor(shadow.AlgoLZ4, 0)
	if err != nil {
		t.Fatalf("compressor: %v", err)
	}
	defer comp.Close()

	src := shadow.NewTable(shadow.SideServer, comp, testLogger())
	defer src.Close()
	dst := shadow.NewTable(shadow.SideClient, comp, testLogger())
	defer dst.Close()

	pool := task.NewPool(2)
	defer pool.Stop()

	f := newShadowFile(t, 16384, func(i int) byte { return byte(i * 13) })
	id := translateFile(t, src, f)
	e, err := src.Lookup(id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	buf := transfer.NewBuffer()
	if err := src.CollectUpdate(e, pool, buf); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if err := pool.WaitIdle(); err != nil {
		t.Fatalf("pool: %v", err)
	}
	blocks := drainBlocks(t, buf)
	src.FinishUpdate(e)

	apply := func() {
		for _, b := range blocks {
			if aErr := dst.Apply(b); aErr != nil {
				t.Fatalf("apply %s: %v", b.Type, aErr)
			}
		}
	}

	apply()
	de, err := dst.Lookup(id)
	if err != nil {
		t.Fatalf("destination lookup: %v", err)
	}
	first := append([]byte{}, de.Contents()...)

	apply()
	if !bytes.Equal(first, de.Contents()) {
		t.Error("second apply changed destination contents")
	}
	if de.Dirty() {
		t.Error("destination dirty after apply")
	}
}

// TestTranslateDuplicateFile verifies that offering the same underlying
// file twice yields the same remote id and closes the duplicate.
func TestTranslateDuplicateFile(t *testing.T) {
	t.Parallel()

	comp, err := shadow.NewCompressor(shadow.AlgoNone, 0)
	if err != nil {
		t.Fatalf("compressor: %v", err)
	}
	defer comp.Close()

	tbl := shadow.NewTable(shadow.SideServer, comp, testLogger())
	defer tbl.Close()

	f := newShadowFile(t, 4096, func(int) byte { return 7 })

	id1 := translateFile(t, tbl, f)
	id2 := translateFile(t, tbl, f)

	if id1 != id2 {
		t.Errorf("duplicate translate minted new id %d, want %d", id2, id1)
	}
	if got := tbl.Len(); got != 1 {
		t.Errorf("table has %d entries, want 1", got)
	}
	if id1 >= 0 {
		t.Errorf("server-minted id %d not negative", id1)
	}

	// Two references: the first release keeps the entry alive.
	if err := tbl.Release(id1); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if _, err := tbl.Lookup(id1); err != nil {
		t.Errorf("entry gone after first release: %v", err)
	}
	if err := tbl.Release(id1); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if _, err := tbl.Lookup(id1); !errors.Is(err, shadow.ErrUnknownID) {
		t.Errorf("lookup after final release: %v, want ErrUnknownID", err)
	}

	// Releasing a dead id is an error, never a double free.
	if err := tbl.Release(id1); !errors.Is(err, shadow.ErrUnknownID) {
		t.Errorf("release of dead id: %v, want ErrUnknownID", err)
	}
}

// TestPipeReplication verifies the append-only stream path: bytes written
// into the source pipe come out of the destination's exported end, and
// closing the source emits a close record.
func TestPipeReplication(t *testing.T) {
	t.Parallel()

	comp, err := shadow.NewCompressor(shadow.AlgoNone, 0)
	if err != nil {
		t.Fatalf("compressor: %v", err)
	}
	defer comp.Close()

	src := shadow.NewTable(shadow.SideServer, comp, testLogger())
	defer src.Close()
	dst := shadow.NewTable(shadow.SideClient, comp, testLogger())
	defer dst.Close()

	pool := task.NewPool(0)
	defer pool.Stop()

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	writeEnd := p[1]

	id, err := src.Translate(p[0], shadow.KindPipeRead, nil)
	if err != nil {
		t.Fatalf("translate pipe: %v", err)
	}
	e, err := src.Lookup(id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	payload := []byte("pipe bytes in flight")
	if _, err := unix.Write(writeEnd, payload); err != nil {
		t.Fatalf("write source pipe: %v", err)
	}

	buf := transfer.NewBuffer()
	syncOnce(t, src, e, pool, buf, dst, pool)

	out, err := dst.ExportFD(id)
	if err != nil {
		t.Fatalf("export destination pipe: %v", err)
	}
	pipeFile := os.NewFile(uintptr(out), "pipe")
	defer pipeFile.Close()

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(pipeFile, got); err != nil {
		t.Fatalf("read destination pipe: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("destination pipe read %q, want %q", got, payload)
	}

	// Closing the source write end produces a close record.
	unix.Close(writeEnd)
	syncOnce(t, src, e, pool, buf, dst, pool)

	de, err := dst.Lookup(id)
	if err != nil {
		t.Fatalf("destination lookup: %v", err)
	}
	if de.FD() != -1 {
		t.Error("destination stream fd still open after close record")
	}
}

// TestApplyUnknownID verifies that content for an unannounced id is a
// session-fatal error.
func TestApplyUnknownID(t *testing.T) {
	t.Parallel()

	comp, err := shadow.NewCompressor(shadow.AlgoNone, 0)
	if err != nil {
		t.Fatalf("compressor: %v", err)
	}
	defer comp.Close()

	tbl := shadow.NewTable(shadow.SideClient, comp, testLogger())
	defer tbl.Close()

	b := transfer.Block{Type: transfer.TypeDiff, XID: -99, Payload: make([]byte, 16)}
	if err := tbl.Apply(b); !errors.Is(err, shadow.ErrUnknownID) {
		t.Errorf("apply to unknown id: %v, want ErrUnknownID", err)
	}
}
