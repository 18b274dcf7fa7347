//go:build unix

package session

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// MmapProvider maps arena buffers as anonymous private memory outside of the Go heap, so large
// arenas do not add to garbage collector pressure
type MmapProvider struct{}

var _ BufferProvider = MmapProvider{}

func (MmapProvider) Acquire(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Newf("buffer size must be positive, got %d", size)
	}

	buffer, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot map %d bytes", size)
	}

	return buffer, nil
}

func (MmapProvider) Release(buffer []byte) error {
	if buffer == nil {
		return nil
	}

	if err := unix.Munmap(buffer); err != nil {
		return errors.Wrapf(err, "cannot unmap %d bytes", len(buffer))
	}

	return nil
}
