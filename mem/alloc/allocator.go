package alloc

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/joshuapare/devmem/internal/format"
	"github.com/joshuapare/devmem/internal/logger"
)

// nilBlock terminates a block list.
const nilBlock = -1

// block is one arena entry. next links it into either the free or the used
// list, never both.
type block struct {
	addr  uintptr
	size  int64
	head  bool // first block of an independently acquired pool
	label string
	next  int
}

func (b *block) end() uintptr { return b.addr + uintptr(b.size) }

// pool is one region obtained from the Source, kept for teardown.
type pool struct {
	addr uintptr
	size int64
}

// Allocator sub-allocates blocks from pools obtained from a Source.
type Allocator struct {
	mu  sync.Mutex
	src Source
	cfg Config

	// Block arena. Freed entries are recycled through spare.
	blocks []block
	spare  []int

	free int // address-sorted
	used int // most recent first

	pools []pool

	allocated int64
	peak      int64
	stats     Stats

	sink io.Writer
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithDumpSink sends the allocator report to w whenever an allocation fails.
func WithDumpSink(w io.Writer) Option {
	return func(a *Allocator) {
		a.sink = w
	}
}

// New creates an allocator over src. If cfg.Reserve is set the first pool
// is acquired immediately.
func New(src Source, cfg Config, opts ...Option) (*Allocator, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Allocator{
		src:    src,
		cfg:    cfg,
		blocks: make([]block, 0, 64),
		free:   nilBlock,
		used:   nilBlock,
	}
	for _, o := range opts {
		o(a)
	}

	if cfg.Reserve > 0 {
		if err := a.Reserve(cfg.Reserve); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Name returns the configured allocator name.
func (a *Allocator) Name() string { return a.cfg.Name }

// Config returns the effective configuration.
func (a *Allocator) Config() Config { return a.cfg }

// Allocate returns the address of a block of at least size bytes labelled
// with annotation. A zero size returns a zero address without touching
// the lists.
func (a *Allocator) Allocate(size int64, annotation string) (uintptr, error) {
	if size <= 0 {
		return 0, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.Allocs++
	if a.tooLarge(size) {
		a.stats.OutOfMemory++
		a.dumpLocked(fmt.Sprintf("request of %d bytes exceeds the addressable range", size))
		return 0, fmt.Errorf("%w: %s: %d bytes requested for %q",
			ErrOutOfMemory, a.cfg.Name, size, annotation)
	}
	need := format.CeilTo(size, a.cfg.BlockGranularity)

	best, prev := a.findBest(need)

	if best == nilBlock && !a.cfg.FixedCapacity {
		var err error
		best, prev, err = a.grow(need)
		if err != nil {
			a.stats.SourceFailures++
			a.dumpLocked(fmt.Sprintf("grow for %d bytes failed: %v", need, err))
			return 0, fmt.Errorf("%w: %s: allocate %d bytes for %q: %w",
				ErrSourceFailed, a.cfg.Name, need, annotation, err)
		}
	}

	if best == nilBlock {
		a.stats.OutOfMemory++
		a.dumpLocked(fmt.Sprintf("no free block of %d bytes", need))
		return 0, fmt.Errorf("%w: %s: %s requested for %q",
			ErrOutOfMemory, a.cfg.Name, format.HumanSize(need), annotation)
	}

	a.extract(best, prev, need)

	b := &a.blocks[best]
	b.label = annotation
	b.next = a.used
	a.used = best

	a.allocated += need
	a.peak = max(a.peak, a.allocated)

	logger.L.Debug("alloc",
		"allocator", a.cfg.Name,
		"annotation", annotation,
		"addr", fmt.Sprintf("%#x", b.addr),
		"size", need,
		"allocated", a.allocated,
		"peak", a.peak)

	return b.addr, nil
}

// Release returns the block at addr to the free list, merging it with
// adjacent free blocks of the same pool. Releasing address zero is a no-op.
func (a *Allocator) Release(addr uintptr) error {
	if addr == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cur, prev := a.findUsed(addr)
	if cur == nilBlock {
		a.stats.InvalidReleases++
		return fmt.Errorf("%w: %s: address %#x is not an allocated block",
			ErrInvalidArgument, a.cfg.Name, addr)
	}

	if prev == nilBlock {
		a.used = a.blocks[cur].next
	} else {
		a.blocks[prev].next = a.blocks[cur].next
	}

	a.allocated -= a.blocks[cur].size
	a.stats.Releases++

	logger.L.Debug("release",
		"allocator", a.cfg.Name,
		"annotation", a.blocks[cur].label,
		"addr", fmt.Sprintf("%#x", addr),
		"size", a.blocks[cur].size,
		"allocated", a.allocated)

	a.insertFree(cur)
	return nil
}

// Reserve grows the allocator by a pool of at least size bytes without
// allocating from it. It works in fixed-capacity mode too, which is how a
// fixed allocator obtains its capacity.
func (a *Allocator) Reserve(size int64) error {
	if size <= 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tooLarge(size) {
		a.stats.OutOfMemory++
		a.dumpLocked(fmt.Sprintf("reserve of %d bytes exceeds the addressable range", size))
		return fmt.Errorf("%w: %s: reserve %d bytes", ErrOutOfMemory, a.cfg.Name, size)
	}
	need := format.CeilTo(size, a.cfg.BlockGranularity)
	if _, _, err := a.grow(need); err != nil {
		a.stats.SourceFailures++
		a.dumpLocked(fmt.Sprintf("reserve of %d bytes failed: %v", need, err))
		return fmt.Errorf("%w: %s: reserve %d bytes: %w", ErrSourceFailed, a.cfg.Name, need, err)
	}
	return nil
}

// ReleaseAll is the teardown path. It forcibly releases every used block,
// then hands every pool back to the Source. Callers must guarantee nothing
// still references memory from this allocator. The allocator is empty but
// usable afterwards.
func (a *Allocator) ReleaseAll() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	leaked := 0
	for a.used != nilBlock {
		cur := a.used
		a.used = a.blocks[cur].next
		a.allocated -= a.blocks[cur].size
		a.insertFree(cur)
		leaked++
	}
	if leaked > 0 {
		logger.L.Warn("releasing blocks still in use at teardown",
			"allocator", a.cfg.Name, "blocks", leaked)
	}

	var result *multierror.Error
	for _, p := range a.pools {
		if err := a.src.Release(p.addr, p.size); err != nil {
			a.stats.SourceFailures++
			result = multierror.Append(result,
				fmt.Errorf("%w: %s: release pool %#x (%d bytes): %w",
					ErrSourceFailed, a.cfg.Name, p.addr, p.size, err))
		}
	}

	a.blocks = a.blocks[:0]
	a.spare = a.spare[:0]
	a.free = nilBlock
	a.used = nilBlock
	a.pools = a.pools[:0]
	a.allocated = 0

	return result.ErrorOrNil()
}

// Annotate replaces the annotation of the used block at addr. It reports
// whether addr belongs to this allocator.
func (a *Allocator) Annotate(addr uintptr, annotation string) bool {
	if addr == 0 {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cur, _ := a.findUsed(addr)
	if cur == nilBlock {
		return false
	}
	a.blocks[cur].label = annotation
	return true
}

// Owns reports whether addr is the start of a used block.
func (a *Allocator) Owns(addr uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, _ := a.findUsed(addr)
	return cur != nilBlock
}

// BlockSize returns the rounded size of the used block at addr.
func (a *Allocator) BlockSize(addr uintptr) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, _ := a.findUsed(addr)
	if cur == nilBlock {
		return 0, false
	}
	return a.blocks[cur].size, true
}

// Bytes returns n bytes of the used block at addr. The Source must be a Mapper.
func (a *Allocator) Bytes(addr uintptr, n int64) ([]byte, error) {
	m, ok := a.src.(Mapper)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotMapped, a.cfg.Name)
	}

	a.mu.Lock()
	cur, _ := a.findUsed(addr)
	var size int64
	if cur != nilBlock {
		size = a.blocks[cur].size
	}
	a.mu.Unlock()

	if cur == nilBlock {
		return nil, fmt.Errorf("%w: %s: address %#x is not an allocated block",
			ErrInvalidArgument, a.cfg.Name, addr)
	}
	if n > size {
		return nil, fmt.Errorf("%w: %s: %d bytes requested from a %d byte block",
			ErrInvalidArgument, a.cfg.Name, n, size)
	}
	return m.Map(addr, n)
}

// UsedBytes sums the used list.
func (a *Allocator) UsedBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sumList(a.used)
}

// FreeBytes sums the free list.
func (a *Allocator) FreeBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sumList(a.free)
}

// Allocated returns the running allocated-byte counter.
func (a *Allocator) Allocated() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}

// Peak returns the highest value Allocated has reached.
func (a *Allocator) Peak() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peak
}

// Capacity returns the total size of all pools.
func (a *Allocator) Capacity() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total int64
	for _, p := range a.pools {
		total += p.size
	}
	return total
}

// Pools returns the number of regions acquired from the Source.
func (a *Allocator) Pools() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pools)
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Blocks returns every used and free block ordered by address.
func (a *Allocator) Blocks() []BlockInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]BlockInfo, 0, len(a.blocks)-len(a.spare))
	out = a.appendList(out, a.used, false)
	out = a.appendList(out, a.free, true)
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// FreeBlocks returns the free list in list (address) order.
func (a *Allocator) FreeBlocks() []BlockInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.appendList(nil, a.free, true)
}

// ============================================================================
// Internal helpers (callers hold a.mu)
// ============================================================================

// tooLarge reports whether rounding size to block and then pool granularity
// would overflow int64.
func (a *Allocator) tooLarge(size int64) bool {
	return size > math.MaxInt64-2*a.cfg.PoolGranularity
}

func (a *Allocator) newBlock(addr uintptr, size int64, head bool, next int) int {
	b := block{addr: addr, size: size, head: head, next: next}
	if n := len(a.spare); n > 0 {
		idx := a.spare[n-1]
		a.spare = a.spare[:n-1]
		a.blocks[idx] = b
		return idx
	}
	a.blocks = append(a.blocks, b)
	return len(a.blocks) - 1
}

func (a *Allocator) dropBlock(idx int) {
	a.blocks[idx] = block{next: nilBlock}
	a.spare = append(a.spare, idx)
}

// findBest returns the smallest free block of at least need bytes and its
// predecessor in the free list. Ties go to the lowest address.
func (a *Allocator) findBest(need int64) (best, prev int) {
	best, prev = nilBlock, nilBlock
	for cur, curPrev := a.free, nilBlock; cur != nilBlock; cur = a.blocks[cur].next {
		size := a.blocks[cur].size
		if size >= need && (best == nilBlock || size < a.blocks[best].size) {
			best, prev = cur, curPrev
		}
		curPrev = cur
	}
	return best, prev
}

func (a *Allocator) findUsed(addr uintptr) (cur, prev int) {
	prev = nilBlock
	for cur = a.used; cur != nilBlock; cur = a.blocks[cur].next {
		if a.blocks[cur].addr == addr {
			return cur, prev
		}
		prev = cur
	}
	return nilBlock, nilBlock
}

// extract unlinks free block cur (predecessor prev) and trims it to need
// bytes. The remainder becomes a non-head free block in its place.
func (a *Allocator) extract(cur, prev int, need int64) {
	next := a.blocks[cur].next
	if size := a.blocks[cur].size; size > need {
		tail := a.newBlock(a.blocks[cur].addr+uintptr(need), size-need, false, next)
		a.blocks[cur].size = need
		next = tail
		a.stats.Splits++
	}
	if prev == nilBlock {
		a.free = next
	} else {
		a.blocks[prev].next = next
	}
	a.blocks[cur].next = nilBlock
}

// insertFree links block idx into the free list at its address-sorted
// position and merges it with its neighbours. A head block never merges into
// its left neighbour and never absorbs a head on its right. Returns the
// index of the resulting block and its predecessor.
func (a *Allocator) insertFree(idx int) (cur, prev int) {
	addr := a.blocks[idx].addr
	a.blocks[idx].label = ""

	before, beforePrev := nilBlock, nilBlock
	it := a.free
	for it != nilBlock && a.blocks[it].addr < addr {
		beforePrev = before
		before = it
		it = a.blocks[it].next
	}
	after := it

	cur, prev = idx, before
	switch {
	case before != nilBlock && a.blocks[before].end() == addr && !a.blocks[idx].head:
		a.blocks[before].size += a.blocks[idx].size
		a.dropBlock(idx)
		cur, prev = before, beforePrev
		a.stats.Coalesces++
	case before != nilBlock:
		a.blocks[before].next = idx
	default:
		a.free = idx
	}

	if after != nilBlock && a.blocks[cur].end() == a.blocks[after].addr && !a.blocks[after].head {
		a.blocks[cur].size += a.blocks[after].size
		a.blocks[cur].next = a.blocks[after].next
		a.dropBlock(after)
		a.stats.Coalesces++
	} else {
		a.blocks[cur].next = after
	}
	return cur, prev
}

// lastFree returns the highest-address free block and its predecessor.
func (a *Allocator) lastFree() (last, prev int) {
	last, prev = nilBlock, nilBlock
	for cur := a.free; cur != nilBlock; cur = a.blocks[cur].next {
		prev = last
		last = cur
	}
	return last, prev
}

// grow acquires memory for a request of need bytes and returns the free
// block that can now satisfy it, with its predecessor.
//
// If the highest free block ends where the most recent pool ends, only the
// missing remainder is requested, hoping the Source returns the adjacent
// range. A discontiguous answer is handed back and a full-size independent
// pool, starting with a head block, is requested instead.
func (a *Allocator) grow(need int64) (cur, prev int, err error) {
	if n := len(a.pools); n > 0 {
		lp := a.pools[n-1]
		poolEnd := lp.addr + uintptr(lp.size)

		if last, lastPrev := a.lastFree(); last != nilBlock &&
			a.blocks[last].end() == poolEnd && a.blocks[last].size < need {
			extra := format.CeilTo(need-a.blocks[last].size, a.cfg.PoolGranularity)
			addr, err := a.src.Acquire(extra)
			if err != nil {
				return nilBlock, nilBlock, err
			}
			if addr == poolEnd {
				a.pools = append(a.pools, pool{addr: addr, size: extra})
				a.blocks[last].size += extra
				a.stats.Grows++
				a.stats.Extends++
				logger.L.Debug("pool extended",
					"allocator", a.cfg.Name,
					"addr", fmt.Sprintf("%#x", addr),
					"size", extra)
				return last, lastPrev, nil
			}
			if err := a.src.Release(addr, extra); err != nil {
				return nilBlock, nilBlock, err
			}
		}
	}

	size := format.CeilTo(need, a.cfg.PoolGranularity)
	addr, err := a.src.Acquire(size)
	if err != nil {
		return nilBlock, nilBlock, err
	}

	a.pools = append(a.pools, pool{addr: addr, size: size})
	a.stats.Grows++

	logger.L.Debug("pool acquired",
		"allocator", a.cfg.Name,
		"addr", fmt.Sprintf("%#x", addr),
		"size", size,
		"pools", len(a.pools))

	// A full-size pool is independent even when it lands next to the
	// previous one.
	idx := a.newBlock(addr, size, true, nilBlock)
	cur, prev = a.insertFree(idx)
	return cur, prev, nil
}

func (a *Allocator) sumList(head int) int64 {
	var total int64
	for cur := head; cur != nilBlock; cur = a.blocks[cur].next {
		total += a.blocks[cur].size
	}
	return total
}

func (a *Allocator) appendList(out []BlockInfo, head int, free bool) []BlockInfo {
	for cur := head; cur != nilBlock; cur = a.blocks[cur].next {
		b := &a.blocks[cur]
		out = append(out, BlockInfo{
			Addr:       b.addr,
			Size:       b.size,
			Head:       b.head,
			Free:       free,
			Annotation: b.label,
		})
	}
	return out
}
