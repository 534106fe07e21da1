package alloc

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestAllocateRoundsToBlockGranularity(t *testing.T) {
	a := newTestAllocator(t, newFakeSource(), Config{})

	addr, err := a.Allocate(100, "small")
	require.NoError(t, err)
	require.Equal(t, testBase, addr)

	size, ok := a.BlockSize(addr)
	require.True(t, ok)
	assert.Equal(t, int64(512), size)
	assert.Equal(t, int64(4096), a.Capacity())
	assert.Equal(t, int64(4096-512), a.FreeBytes())
	assertInvariants(t, a)
}

func TestAllocateZeroSize(t *testing.T) {
	src := newFakeSource()
	a := newTestAllocator(t, src, Config{})

	addr, err := a.Allocate(0, "nothing")
	require.NoError(t, err)
	assert.Zero(t, addr)
	assert.Zero(t, a.Pools())
	assert.Zero(t, a.Stats().Allocs)
	assert.Empty(t, src.acquired)

	require.NoError(t, a.Release(0))
}

func TestAllocateBestFit(t *testing.T) {
	a := newTestAllocator(t, newFakeSource(), Config{PoolGranularity: 8192})

	alloc := func(size int64, label string) uintptr {
		addr, err := a.Allocate(size, label)
		require.NoError(t, err)
		return addr
	}

	big := alloc(1024, "a")
	alloc(512, "sep1")
	small := alloc(512, "b")
	alloc(512, "sep2")
	mid := alloc(2048, "c")
	alloc(512, "sep3")

	// Free holes of 1024, 512 and 2048 plus a 3072 tail.
	require.NoError(t, a.Release(big))
	require.NoError(t, a.Release(small))
	require.NoError(t, a.Release(mid))
	assertInvariants(t, a)

	got, err := a.Allocate(400, "fits-512")
	require.NoError(t, err)
	assert.Equal(t, small, got)

	got, err = a.Allocate(1000, "fits-1024")
	require.NoError(t, err)
	assert.Equal(t, big, got)

	got, err = a.Allocate(1500, "fits-2048")
	require.NoError(t, err)
	assert.Equal(t, mid, got, "the 2048 hole is smaller than the tail")

	assertInvariants(t, a)
}

func TestAllocateBestFitTiesGoToLowestAddress(t *testing.T) {
	a := newTestAllocator(t, newFakeSource(), Config{})

	var addrs []uintptr
	for i := 0; i < 5; i++ {
		addr, err := a.Allocate(512, fmt.Sprintf("b%d", i))
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	require.NoError(t, a.Release(addrs[3]))
	require.NoError(t, a.Release(addrs[1]))

	got, err := a.Allocate(512, "again")
	require.NoError(t, err)
	assert.Equal(t, addrs[1], got)
}

func TestReleaseCoalescesNeighbours(t *testing.T) {
	a := newTestAllocator(t, newFakeSource(), Config{})

	var addrs []uintptr
	for i := 0; i < 3; i++ {
		addr, err := a.Allocate(512, fmt.Sprintf("b%d", i))
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}

	require.NoError(t, a.Release(addrs[0]))
	require.NoError(t, a.Release(addrs[2]))
	require.Len(t, a.FreeBlocks(), 2)
	assertInvariants(t, a)

	// Releasing the middle block joins both sides and the pool tail.
	require.NoError(t, a.Release(addrs[1]))
	free := a.FreeBlocks()
	require.Len(t, free, 1)
	assert.Equal(t, testBase, free[0].Addr)
	assert.Equal(t, int64(4096), free[0].Size)
	assert.True(t, free[0].Head)
	assert.Zero(t, a.Allocated())
	assertInvariants(t, a)
}

func TestHeadBlocksNeverMerge(t *testing.T) {
	src := newFakeSource()
	a := newTestAllocator(t, src, Config{PoolGranularity: 1024})

	first, err := a.Allocate(1024, "first")
	require.NoError(t, err)

	// The first pool is fully used, so the second pool is an independent
	// one even though the source places it right after the first.
	second, err := a.Allocate(1024, "second")
	require.NoError(t, err)
	require.Equal(t, first+1024, second)
	require.Equal(t, 2, a.Pools())
	require.Zero(t, a.Stats().Extends)

	require.NoError(t, a.Release(second))
	require.NoError(t, a.Release(first))

	want := []BlockInfo{
		{Addr: first, Size: 1024, Head: true, Free: true},
		{Addr: second, Size: 1024, Head: true, Free: true},
	}
	if diff := cmp.Diff(want, a.FreeBlocks()); diff != "" {
		t.Errorf("free list mismatch (-want +got):\n%s", diff)
	}
	assertInvariants(t, a)

	// Neither half alone fits a 2048 request, so a third pool is needed.
	_, err = a.Allocate(2048, "large")
	require.NoError(t, err)
	assert.Equal(t, 3, a.Pools())
	assertInvariants(t, a)
}

func TestGrowExtendsTailInPlace(t *testing.T) {
	src := newFakeSource()
	a := newTestAllocator(t, src, Config{PoolGranularity: 1024})

	first, err := a.Allocate(512, "first")
	require.NoError(t, err)

	second, err := a.Allocate(1024, "second")
	require.NoError(t, err)
	assert.Equal(t, first+512, second, "the tail block was extended and reused")

	st := a.Stats()
	assert.Equal(t, 1, st.Extends)
	assert.Equal(t, 2, st.Grows)
	assert.Equal(t, int64(2048), a.Capacity())
	assert.Equal(t, 2, a.Pools())

	want := []BlockInfo{
		{Addr: first, Size: 512, Head: true, Annotation: "first"},
		{Addr: second, Size: 1024, Annotation: "second"},
		{Addr: second + 1024, Size: 512, Free: true},
	}
	if diff := cmp.Diff(want, a.Blocks()); diff != "" {
		t.Errorf("layout mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, a.Release(first))
	require.NoError(t, a.Release(second))
	free := a.FreeBlocks()
	require.Len(t, free, 1, "an extension merges with the pool it extends")
	assert.Equal(t, int64(2048), free[0].Size)
	assertInvariants(t, a)
}

func TestGrowDiscontiguousStartsNewHead(t *testing.T) {
	src := newGappedSource(4096)
	a := newTestAllocator(t, src, Config{PoolGranularity: 1024})

	first, err := a.Allocate(512, "first")
	require.NoError(t, err)

	second, err := a.Allocate(1024, "second")
	require.NoError(t, err)
	assert.NotEqual(t, first+512, second)

	// The speculative tail extension was returned to the source.
	assert.Equal(t, 1, src.releasedCount())
	assert.Zero(t, a.Stats().Extends)
	assert.Equal(t, 2, a.Pools())
	assert.Equal(t, int64(2048), a.Capacity())

	require.NoError(t, a.Release(second))
	want := []BlockInfo{
		{Addr: first + 512, Size: 512, Free: true},
		{Addr: second, Size: 1024, Head: true, Free: true},
	}
	if diff := cmp.Diff(want, a.FreeBlocks()); diff != "" {
		t.Errorf("free list mismatch (-want +got):\n%s", diff)
	}
	assertInvariants(t, a)
}

func TestFixedCapacityScenario(t *testing.T) {
	var report bytes.Buffer
	a := newTestAllocator(t, newFakeSource(), Config{
		FixedCapacity:   true,
		Reserve:         1024,
		PoolGranularity: 512,
	}, WithDumpSink(&report))
	require.Equal(t, int64(1024), a.Capacity())

	// 100, 200 and 300 each round up to one 512 B block: two fit in 1024 B.
	p1, err := a.Allocate(100, "p1")
	require.NoError(t, err)
	p2, err := a.Allocate(200, "p2")
	require.NoError(t, err)
	assert.Equal(t, p1+512, p2)

	_, err = a.Allocate(300, "p3")
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, 1, a.Stats().OutOfMemory)
	assert.Equal(t, 1, a.Pools(), "fixed allocators never grow on demand")

	out := report.String()
	assert.Contains(t, out, `| list="used"`)
	assert.Contains(t, out, "annotation='p1'")
	assert.Contains(t, out, "annotation='p2'")

	// Releasing makes room again.
	require.NoError(t, a.Release(p1))
	p3, err := a.Allocate(300, "p3")
	require.NoError(t, err)
	assert.Equal(t, p1, p3)
	assertInvariants(t, a)
}

func TestFixedCapacityWithoutReserve(t *testing.T) {
	a := newTestAllocator(t, newFakeSource(), Config{FixedCapacity: true}, WithDumpSink(&bytes.Buffer{}))

	_, err := a.Allocate(1, "x")
	require.ErrorIs(t, err, ErrOutOfMemory)

	require.NoError(t, a.Reserve(4096))
	_, err = a.Allocate(1, "x")
	require.NoError(t, err)
}

func TestReleaseInvalidAddress(t *testing.T) {
	a := newTestAllocator(t, newFakeSource(), Config{})

	addr, err := a.Allocate(512, "x")
	require.NoError(t, err)

	err = a.Release(addr + 512)
	require.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, a.Release(addr))
	err = a.Release(addr)
	require.ErrorIs(t, err, ErrInvalidArgument, "double release")

	assert.Equal(t, 2, a.Stats().InvalidReleases)
	assertInvariants(t, a)
}

func TestAllocateSourceFailure(t *testing.T) {
	src := newFakeSource()
	src.failAcquire = true
	a := newTestAllocator(t, src, Config{}, WithDumpSink(&bytes.Buffer{}))

	_, err := a.Allocate(512, "x")
	require.ErrorIs(t, err, ErrSourceFailed)
	require.ErrorIs(t, err, errInjected)
	assert.Equal(t, 1, a.Stats().SourceFailures)

	src.failAcquire = false
	_, err = a.Allocate(512, "x")
	require.NoError(t, err)
}

func TestAllocateRejectsOverflowingSize(t *testing.T) {
	src := newFakeSource()
	var report bytes.Buffer
	a := newTestAllocator(t, src, Config{Reserve: 4096}, WithDumpSink(&report))
	pools := len(src.acquired)

	for _, size := range []int64{math.MaxInt64, math.MaxInt64 - 10, math.MaxInt64 - 4096} {
		addr, err := a.Allocate(size, "huge")
		require.ErrorIs(t, err, ErrOutOfMemory, "size %d", size)
		assert.Zero(t, addr)
	}
	require.ErrorIs(t, a.Reserve(math.MaxInt64-1), ErrOutOfMemory)

	assert.Equal(t, pools, len(src.acquired), "the source is never asked")
	assert.Zero(t, a.Allocated())
	assert.Equal(t, int64(4096), a.FreeBytes())
	assert.Equal(t, 4, a.Stats().OutOfMemory)
	assert.Contains(t, report.String(), ">> allocator=test")
	assertInvariants(t, a)

	// The allocator is still usable.
	addr, err := a.Allocate(512, "after")
	require.NoError(t, err)
	assert.Equal(t, testBase, addr)
	assertInvariants(t, a)
}

func TestNewWithReserveFailure(t *testing.T) {
	src := newFakeSource()
	src.failAcquire = true

	_, err := New(src, Config{Reserve: 4096})
	require.ErrorIs(t, err, ErrSourceFailed)
}

func TestReleaseAllReturnsPools(t *testing.T) {
	src := newGappedSource(4096)
	a := newTestAllocator(t, src, Config{})

	_, err := a.Allocate(4096, "a")
	require.NoError(t, err)
	_, err = a.Allocate(4096, "b")
	require.NoError(t, err)
	require.Equal(t, 2, a.Pools())

	require.NoError(t, a.ReleaseAll())
	assert.ElementsMatch(t, src.acquired, src.released)
	assert.Zero(t, a.Capacity())
	assert.Zero(t, a.Allocated())
	assert.Empty(t, a.Blocks())

	// Still usable after teardown.
	_, err = a.Allocate(512, "c")
	require.NoError(t, err)
	assertInvariants(t, a)
}

func TestReleaseAllAggregatesErrors(t *testing.T) {
	src := newGappedSource(4096)
	a := newTestAllocator(t, src, Config{})

	_, err := a.Allocate(4096, "a")
	require.NoError(t, err)
	_, err = a.Allocate(4096, "b")
	require.NoError(t, err)

	src.failRelease = true
	err = a.ReleaseAll()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSourceFailed)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 2)

	// State is reset even when the source refused.
	assert.Zero(t, a.Pools())
}

func TestAnnotate(t *testing.T) {
	a := newTestAllocator(t, newFakeSource(), Config{})

	addr, err := a.Allocate(512, "before")
	require.NoError(t, err)

	assert.True(t, a.Annotate(addr, "after"))
	assert.False(t, a.Annotate(addr+512, "nope"))
	assert.False(t, a.Annotate(0, "nope"))

	blocks := a.Blocks()
	require.NotEmpty(t, blocks)
	assert.Equal(t, "after", blocks[0].Annotation)

	require.NoError(t, a.Release(addr))
	assert.Empty(t, a.FreeBlocks()[0].Annotation)
}

func TestPeakTracksHighWaterMark(t *testing.T) {
	a := newTestAllocator(t, newFakeSource(), Config{})

	p1, err := a.Allocate(1024, "a")
	require.NoError(t, err)
	p2, err := a.Allocate(1024, "b")
	require.NoError(t, err)
	require.NoError(t, a.Release(p1))
	require.NoError(t, a.Release(p2))

	assert.Zero(t, a.Allocated())
	assert.Equal(t, int64(2048), a.Peak())
}

func TestBytesMapsBlockMemory(t *testing.T) {
	a := newTestAllocator(t, newFakeSource(), Config{})

	addr, err := a.Allocate(600, "data")
	require.NoError(t, err)

	buf, err := a.Bytes(addr, 600)
	require.NoError(t, err)
	require.Len(t, buf, 600)
	copy(buf, "hello")

	again, err := a.Bytes(addr, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(again))

	_, err = a.Bytes(addr, 2048)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = a.Bytes(addr+512, 1)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBytesRequiresMapper(t *testing.T) {
	src := struct{ Source }{newFakeSource()}
	a := newTestAllocator(t, src, Config{})

	addr, err := a.Allocate(512, "x")
	require.NoError(t, err)
	_, err = a.Bytes(addr, 1)
	require.ErrorIs(t, err, ErrNotMapped)
}

func TestDumpReport(t *testing.T) {
	a := newTestAllocator(t, newFakeSource(), Config{Name: "device"})

	_, err := a.Allocate(1024, "weights")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, a.Dump(&buf))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, ">> allocator=device, used=1,024B, free=3,072B(~3KB), peak=1,024B, pools=1", lines[0])
	assert.Equal(t, `| list="used", size=1,024B`, lines[1])
	assert.Equal(t, "| | addr=0x0000000100000000, size=1,024B, head=1, annotation='weights'", lines[2])
	assert.Equal(t, "|", lines[3])
	assert.Equal(t, `| list="free", size=3,072B(~3KB)`, lines[4])
	assert.Equal(t, "| | addr=0x0000000100000400, size=3,072B(~3KB), head=0, annotation=''", lines[5])
	assert.Equal(t, "|", lines[6])
}

func TestDumpPathOnFailure(t *testing.T) {
	path := t.TempDir() + "/report.txt"
	a := newTestAllocator(t, newFakeSource(), Config{FixedCapacity: true, DumpPath: path})

	_, err := a.Allocate(512, "x")
	require.ErrorIs(t, err, ErrOutOfMemory)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), ">> allocator=test,"))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaults", Config{}.WithDefaults(), true},
		{"custom", Config{BlockGranularity: 256, PoolGranularity: 1024}, true},
		{"zero block", Config{PoolGranularity: 1024}, false},
		{"pool not multiple", Config{BlockGranularity: 512, PoolGranularity: 1000}, false},
		{"negative reserve", Config{BlockGranularity: 512, PoolGranularity: 1024, Reserve: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestConcurrentAllocateRelease(t *testing.T) {
	a := newTestAllocator(t, newFakeSource(), Config{PoolGranularity: 64 * 1024})

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w // per-iteration copy (pre-Go 1.22 loop semantics)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(w)))
			var held []uintptr
			for i := 0; i < 200; i++ {
				if len(held) > 0 && rng.Intn(3) == 0 {
					j := rng.Intn(len(held))
					if err := a.Release(held[j]); err != nil {
						return err
					}
					held = append(held[:j], held[j+1:]...)
					continue
				}
				addr, err := a.Allocate(int64(rng.Intn(8192)+1), fmt.Sprintf("w%d-%d", w, i))
				if err != nil {
					return err
				}
				held = append(held, addr)
			}
			for _, addr := range held {
				if err := a.Release(addr); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Zero(t, a.Allocated())
	assertInvariants(t, a)
	for _, b := range a.Blocks() {
		assert.True(t, b.Free)
	}
}
