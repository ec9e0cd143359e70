package shadow

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// DMABUF CPU Access — sync fences around mapped access
// -------------------------------------------------------------------------

// DMA_BUF_IOCTL_SYNC from <linux/dma-buf.h>: _IOW('b', 0, struct dma_buf_sync),
// where dma_buf_sync is a single u64 flags word.
const dmaBufIoctlSync = 0x40086200

// dma_buf_sync flag bits.
const (
	dmaBufSyncRead  = 1 << 0
	dmaBufSyncWrite = 2 << 0
	dmaBufSyncStart = 0 << 2
	dmaBufSyncEnd   = 1 << 2
)

// dmabufSync issues the DMA-BUF sync ioctl. The kernel requires CPU access
// to a mapped dma-buf to be bracketed by SYNC_START and SYNC_END so the
// exporter can flush or invalidate caches. EINTR and EAGAIN are retried.
func dmabufSync(fd int, flags uint64) error {
	for {
		_, _, errno := unix.Syscall(
			unix.SYS_IOCTL,
			uintptr(fd),
			uintptr(dmaBufIoctlSync),
			uintptr(unsafe.Pointer(&flags)),
		)
		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		case unix.ENOTTY:
			// Not a dma-buf (test substitutes a memfd); mapped access
			// needs no fence.
			return nil
		default:
			return fmt.Errorf("dma-buf sync ioctl fd %d flags %#x: %w", fd, flags, errno)
		}
	}
}

// dmabufSyncBeginRead brackets the start of a CPU read of the mapping.
func dmabufSyncBeginRead(fd int) error {
	return dmabufSync(fd, dmaBufSyncStart|dmaBufSyncRead)
}

// dmabufSyncEndRead closes a CPU read bracket.
func dmabufSyncEndRead(fd int) error {
	return dmabufSync(fd, dmaBufSyncEnd|dmaBufSyncRead)
}

// dmabufSyncBeginWrite brackets the start of a CPU write of the mapping.
func dmabufSyncBeginWrite(fd int) error {
	return dmabufSync(fd, dmaBufSyncStart|dmaBufSyncWrite)
}

// dmabufSyncEndWrite closes a CPU write bracket.
func dmabufSyncEndWrite(fd int) error {
	return dmabufSync(fd, dmaBufSyncEnd|dmaBufSyncWrite)
}
