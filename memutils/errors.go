package memutils

import "github.com/pkg/errors"

var (
	// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
	PowerOfTwoError error = errors.New("number must be a power of two")

	// InitError is returned when an allocator cannot be built over the buffer it was given: the buffer
	// is nil, too small to hold the bookkeeping overhead, too large to address, or the configured
	// alignment is invalid.
	InitError error = errors.New("arena initialization failed")

	// OutOfMemoryError is returned when no free block or segment headroom can satisfy a request. The
	// allocator remains fully consistent afterward; the caller decides whether to abort or retry the
	// higher-level operation.
	OutOfMemoryError error = errors.New("out of memory")

	// CorruptionFault indicates an invalid address passed to free or resize, a double free, or a broken
	// structural invariant discovered while walking the arena. An allocator that reports it will keep
	// reporting it until it is reinitialized.
	CorruptionFault error = errors.New("arena corruption detected")
)
