package session

import (
	"github.com/cockroachdb/errors"
)

//go:generate mockgen -source provider.go -destination ./mocks/provider.go -package mock_session

// BufferProvider supplies the byte buffer a Session builds its arena over, and takes it back
// when the Session is closed
type BufferProvider interface {
	Acquire(size int) ([]byte, error)
	Release(buffer []byte) error
}

// HeapProvider allocates arena buffers from the Go heap
type HeapProvider struct{}

var _ BufferProvider = HeapProvider{}

func (HeapProvider) Acquire(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Newf("buffer size must be positive, got %d", size)
	}
	return make([]byte, size), nil
}

func (HeapProvider) Release(buffer []byte) error {
	return nil
}
