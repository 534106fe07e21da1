package hostmem

import (
	"fmt"

	"github.com/joshuapare/devmem/internal/logger"
)

// Heap hands out regions of Go heap memory.
type Heap struct {
	regions regionTable
}

// NewHeap returns an empty heap source.
func NewHeap() *Heap { return &Heap{} }

// Acquire allocates a zeroed region of size bytes.
func (h *Heap) Acquire(size int64) (uintptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("hostmem: invalid size %d", size)
	}
	// The spare capacity byte keeps the next object from starting where this
	// one ends, so heap regions are never contiguous.
	buf := make([]byte, size, size+1)
	addr := h.regions.add(buf[:size:size], nil)
	logger.L.Debug("heap acquire", "addr", fmt.Sprintf("%#x", addr), "size", size)
	return addr, nil
}

// Release forgets a region; the garbage collector reclaims it.
func (h *Heap) Release(addr uintptr, size int64) error {
	if _, err := h.regions.remove(addr, size); err != nil {
		return err
	}
	logger.L.Debug("heap release", "addr", fmt.Sprintf("%#x", addr), "size", size)
	return nil
}

// Map returns n bytes at addr.
func (h *Heap) Map(addr uintptr, n int64) ([]byte, error) {
	return h.regions.mapRange(addr, n)
}

// InUse returns the bytes currently handed out.
func (h *Heap) InUse() int64 { return h.regions.inUse() }

// Regions returns the number of live regions.
func (h *Heap) Regions() int { return h.regions.len() }
