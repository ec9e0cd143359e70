package shadow

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// Memory Mapping — memfd creation, mmap lifecycle, file identity
// -------------------------------------------------------------------------

// createMemfd creates an anonymous memory-backed file of the given size.
// Used on the receiving side to reconstitute KindFile resources.
func createMemfd(name string, size int64) (int, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("memfd_create %q: %w", name, err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("ftruncate memfd %q to %d: %w", name, size, err)
	}
	return fd, nil
}

// mapFd maps size bytes of fd read-write and shared, so writes through the
// mapping are visible to the descriptor's other users.
func mapFd(fd int, size int64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap fd %d size %d: %w", fd, size, err)
	}
	return data, nil
}

// unmapFd releases a mapping created by mapFd. nil mappings are a no-op.
func unmapFd(data []byte) error {
	if data == nil {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap %d bytes: %w", len(data), err)
	}
	return nil
}

// statFd returns the identity (device, inode) and size of a descriptor.
func statFd(fd int) (fileIdentity, int64, uint32, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fileIdentity{}, 0, 0, fmt.Errorf("fstat fd %d: %w", fd, err)
	}
	return fileIdentity{dev: uint64(st.Dev), ino: uint64(st.Ino)}, st.Size, uint32(st.Mode), nil
}

// classifyMode maps a stat mode to a shadow kind. The pipe direction
// cannot be derived from the mode alone; the caller's kind hint decides
// between read and write ends, defaulting to the readable side.
func classifyMode(mode uint32, hint Kind) (Kind, error) {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return KindFile, nil
	case unix.S_IFIFO:
		if hint == KindPipeWrite {
			return KindPipeWrite, nil
		}
		return KindPipeRead, nil
	case unix.S_IFSOCK:
		return KindSocket, nil
	case unix.S_IFCHR, unix.S_IFBLK:
		// DMABUFs stat as character devices on some kernels; trust the
		// hint when the Wayland layer supplied DMABUF metadata.
		if hint == KindDmabuf {
			return KindDmabuf, nil
		}
		return 0, fmt.Errorf("classify fd: device node without dmabuf hint: %w", ErrUnsupportedFd)
	default:
		return 0, fmt.Errorf("classify fd: mode %#o: %w", mode, ErrUnsupportedFd)
	}
}
