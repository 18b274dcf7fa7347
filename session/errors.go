package session

import "github.com/pkg/errors"

var (
	// EvaluationAborted is returned from Run when the evaluation ran out of arena memory. The
	// session remains usable; the error also matches memutils.OutOfMemoryError.
	EvaluationAborted error = errors.New("evaluation aborted")

	// UnsupportedOperationError is returned when the session's strategy cannot perform an
	// operation, such as resizing a bump allocation
	UnsupportedOperationError error = errors.New("operation not supported by this strategy")

	// ClosedError is returned from every operation on a session after Close
	ClosedError error = errors.New("session is closed")
)
