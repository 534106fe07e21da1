package alloc

import (
	"fmt"

	"github.com/joshuapare/devmem/internal/format"
)

// Source is the coarse allocation primitive an Allocator carves blocks from
// (cudaMalloc, mmap, the Go heap).
type Source interface {
	// Acquire returns the base address of a new region of exactly size bytes.
	Acquire(size int64) (uintptr, error)

	// Release returns a region previously obtained from Acquire.
	Release(addr uintptr, size int64) error
}

// Mapper is implemented by sources whose memory is addressable from Go.
type Mapper interface {
	// Map returns n bytes starting at addr.
	Map(addr uintptr, n int64) ([]byte, error)
}

// Config configures an Allocator. Zero values take defaults.
type Config struct {
	// Name labels the allocator in logs, reports and metrics.
	Name string `json:"name,omitempty"`

	// BlockGranularity is the rounding unit for client requests.
	BlockGranularity int64 `json:"blockGranularity,omitempty"`

	// PoolGranularity is the rounding unit for requests sent to the Source.
	// Must be a multiple of BlockGranularity.
	PoolGranularity int64 `json:"poolGranularity,omitempty"`

	// FixedCapacity forbids growing beyond reserved pools.
	FixedCapacity bool `json:"fixedCapacity,omitempty"`

	// Reserve is acquired up front by New.
	Reserve int64 `json:"reserve,omitempty"`

	// DumpPath receives the allocator report on allocation failure.
	DumpPath string `json:"dumpPath,omitempty"`
}

// WithDefaults returns c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.BlockGranularity == 0 {
		c.BlockGranularity = format.BlockGranularity
	}
	if c.PoolGranularity == 0 {
		c.PoolGranularity = format.PoolGranularity
	}
	return c
}

// Validate reports whether the granularities are usable.
func (c Config) Validate() error {
	switch {
	case c.BlockGranularity <= 0:
		return fmt.Errorf("%w: block granularity %d", ErrInvalidConfig, c.BlockGranularity)
	case c.PoolGranularity <= 0:
		return fmt.Errorf("%w: pool granularity %d", ErrInvalidConfig, c.PoolGranularity)
	case c.PoolGranularity%c.BlockGranularity != 0:
		return fmt.Errorf("%w: pool granularity %d is not a multiple of block granularity %d",
			ErrInvalidConfig, c.PoolGranularity, c.BlockGranularity)
	case c.Reserve < 0:
		return fmt.Errorf("%w: negative reserve %d", ErrInvalidConfig, c.Reserve)
	}
	return nil
}

// BlockInfo describes one block for reports and tests.
type BlockInfo struct {
	Addr       uintptr
	Size       int64
	Head       bool
	Free       bool
	Annotation string
}

// End returns the first address past the block.
func (b BlockInfo) End() uintptr { return b.Addr + uintptr(b.Size) }

// Stats holds allocator counters.
type Stats struct {
	Allocs          int // Allocate calls with a non-zero size
	Releases        int // successful Release calls
	InvalidReleases int // Release calls with an unknown address
	OutOfMemory     int // allocations refused in fixed-capacity mode
	SourceFailures  int // Acquire/Release failures of the Source
	Grows           int // pools acquired from the Source
	Extends         int // grows that extended the most recent pool in place
	Splits          int // oversized blocks split on allocation
	Coalesces       int // merges of adjacent free blocks
}
