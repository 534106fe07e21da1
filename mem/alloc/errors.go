package alloc

import "errors"

var (
	// ErrOutOfMemory indicates no free block was large enough and the
	// allocator was not allowed to grow. Callers may release other blocks and retry.
	ErrOutOfMemory = errors.New("alloc: out of memory")

	// ErrInvalidArgument indicates a release of an address that is not an
	// allocated block (double free or foreign pointer).
	ErrInvalidArgument = errors.New("alloc: invalid argument")

	// ErrSourceFailed indicates the underlying coarse primitive failed to
	// acquire or release a pool.
	ErrSourceFailed = errors.New("alloc: memory source failed")

	// ErrNotMapped indicates the source memory cannot be addressed from Go.
	ErrNotMapped = errors.New("alloc: memory not host addressable")

	// ErrInvalidConfig indicates an unusable granularity setting.
	ErrInvalidConfig = errors.New("alloc: invalid config")
)
