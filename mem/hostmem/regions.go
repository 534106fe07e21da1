package hostmem

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unsafe"
)

var (
	// ErrUnknownRegion indicates a release of an address not handed out.
	ErrUnknownRegion = errors.New("hostmem: unknown region")

	// ErrOutOfRange indicates a mapping request outside every region.
	ErrOutOfRange = errors.New("hostmem: address out of range")
)

type region struct {
	addr    uintptr
	buf     []byte
	release func() error
}

func (r *region) end() uintptr { return r.addr + uintptr(len(r.buf)) }

// regionTable keeps live regions sorted by address. Holding the slices keeps
// heap-backed regions reachable.
type regionTable struct {
	mu    sync.Mutex
	items []region
	bytes int64
}

func (t *regionTable) add(buf []byte, release func() error) uintptr {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	t.mu.Lock()
	defer t.mu.Unlock()

	i := sort.Search(len(t.items), func(i int) bool { return t.items[i].addr >= addr })
	t.items = append(t.items, region{})
	copy(t.items[i+1:], t.items[i:])
	t.items[i] = region{addr: addr, buf: buf, release: release}
	t.bytes += int64(len(buf))
	return addr
}

func (t *regionTable) remove(addr uintptr, size int64) (region, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.search(addr)
	if i < 0 || t.items[i].addr != addr || int64(len(t.items[i].buf)) != size {
		return region{}, fmt.Errorf("%w: %#x (%d bytes)", ErrUnknownRegion, addr, size)
	}
	r := t.items[i]
	t.items = append(t.items[:i], t.items[i+1:]...)
	t.bytes -= size
	return r, nil
}

// mapRange returns n bytes at addr. The range may span regions that sit
// back to back in the address space.
func (t *regionTable) mapRange(addr uintptr, n int64) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.search(addr)
	if i < 0 || addr >= t.items[i].end() {
		return nil, fmt.Errorf("%w: %#x", ErrOutOfRange, addr)
	}
	first := &t.items[i]
	off := addr - first.addr
	if off+uintptr(n) <= uintptr(len(first.buf)) {
		return first.buf[off : off+uintptr(n) : off+uintptr(n)], nil
	}

	end := addr + uintptr(n)
	for j := i; t.items[j].end() < end; j++ {
		if j+1 >= len(t.items) || t.items[j+1].addr != t.items[j].end() {
			return nil, fmt.Errorf("%w: %#x+%d crosses a region boundary", ErrOutOfRange, addr, n)
		}
	}
	return unsafe.Slice(&first.buf[off], n), nil
}

// search returns the index of the last region starting at or below addr.
func (t *regionTable) search(addr uintptr) int {
	return sort.Search(len(t.items), func(i int) bool { return t.items[i].addr > addr }) - 1
}

func (t *regionTable) inUse() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}

func (t *regionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// drain removes every region and returns them.
func (t *regionTable) drain() []region {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.items
	t.items = nil
	t.bytes = 0
	return out
}
