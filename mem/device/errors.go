package device

import "errors"

var (
	// ErrOutOfMemory indicates the simulated device has no capacity left.
	ErrOutOfMemory = errors.New("device: out of memory")

	// ErrBadAddress indicates a copy or release outside any live region.
	ErrBadAddress = errors.New("device: bad address")

	// ErrStreamClosed indicates work was submitted to a closed stream.
	ErrStreamClosed = errors.New("device: stream closed")
)
