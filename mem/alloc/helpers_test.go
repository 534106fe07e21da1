package alloc

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const testBase uintptr = 0x1_0000_0000

var errInjected = errors.New("injected source failure")

// fakeSource hands out regions from a bump pointer over one backing buffer.
// gap bytes are skipped after every region so consecutive pools are never
// adjacent.
type fakeSource struct {
	mu sync.Mutex

	gap     int64
	next    uintptr
	backing []byte

	failAcquire bool
	failRelease bool

	acquired []pool
	released []pool
}

func newFakeSource() *fakeSource {
	return &fakeSource{next: testBase}
}

func newGappedSource(gap int64) *fakeSource {
	s := newFakeSource()
	s.gap = gap
	return s
}

func (s *fakeSource) Acquire(size int64) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAcquire {
		return 0, errInjected
	}
	addr := s.next
	s.next += uintptr(size + s.gap)
	if need := int(s.next - testBase); need > len(s.backing) {
		s.backing = append(s.backing, make([]byte, need-len(s.backing))...)
	}
	s.acquired = append(s.acquired, pool{addr: addr, size: size})
	return addr, nil
}

func (s *fakeSource) Release(addr uintptr, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRelease {
		return errInjected
	}
	s.released = append(s.released, pool{addr: addr, size: size})
	return nil
}

func (s *fakeSource) Map(addr uintptr, n int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off := int64(addr - testBase)
	if addr < testBase || off+n > int64(len(s.backing)) {
		return nil, fmt.Errorf("address %#x out of range", addr)
	}
	return s.backing[off : off+n : off+n], nil
}

func (s *fakeSource) releasedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.released)
}

// newTestAllocator builds an allocator with small granularities so layouts
// stay readable.
func newTestAllocator(t *testing.T, src Source, cfg Config, opts ...Option) *Allocator {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	if cfg.BlockGranularity == 0 {
		cfg.BlockGranularity = 512
	}
	if cfg.PoolGranularity == 0 {
		cfg.PoolGranularity = 4096
	}
	a, err := New(src, cfg, opts...)
	require.NoError(t, err)
	return a
}

// assertInvariants checks the structural properties every allocator state
// must satisfy.
func assertInvariants(t *testing.T, a *Allocator) {
	t.Helper()

	blocks := a.Blocks()
	gran := a.Config().BlockGranularity

	var used, total int64
	for i, b := range blocks {
		require.Zero(t, b.Size%gran, "block %#x size %d not a multiple of %d", b.Addr, b.Size, gran)
		require.Positive(t, b.Size, "block %#x is empty", b.Addr)
		total += b.Size
		if !b.Free {
			used += b.Size
		}
		if i == 0 {
			continue
		}
		prev := blocks[i-1]
		require.LessOrEqual(t, prev.End(), b.Addr, "blocks %#x and %#x overlap", prev.Addr, b.Addr)
		if prev.Free && b.Free && prev.End() == b.Addr {
			require.True(t, b.Head, "adjacent free blocks %#x and %#x were not merged", prev.Addr, b.Addr)
		}
	}

	require.Equal(t, a.Allocated(), used, "allocated counter disagrees with used list")
	require.Equal(t, a.UsedBytes(), used)
	require.Equal(t, a.Capacity(), total, "used + free must equal capacity")
	require.Equal(t, a.Capacity()-used, a.FreeBytes())

	free := a.FreeBlocks()
	require.True(t, sort.SliceIsSorted(free, func(i, j int) bool { return free[i].Addr < free[j].Addr }),
		"free list must be address-sorted")
	for _, b := range free {
		require.Empty(t, b.Annotation, "free block %#x keeps an annotation", b.Addr)
	}
}
