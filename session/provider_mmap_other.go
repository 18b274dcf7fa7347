//go:build !unix

package session

import (
	"github.com/cockroachdb/errors"
)

// MmapProvider maps arena buffers outside of the Go heap. It is only available on unix.
type MmapProvider struct{}

var _ BufferProvider = MmapProvider{}

func (MmapProvider) Acquire(size int) ([]byte, error) {
	return nil, errors.New("mmap buffers are not supported on this platform")
}

func (MmapProvider) Release(buffer []byte) error {
	return nil
}
