// Package alloc provides a coarse-to-fine block sub-allocator for host and
// accelerator memory.
//
// # Overview
//
// Acquiring memory from a device runtime is expensive, so an Allocator asks
// its Source for large pools and carves client-sized blocks out of them.
// Every block lives on exactly one of two singly-linked lists, kept in an
// index-based arena:
//
//   - free list: sorted by address, adjacent entries coalesced on release
//   - used list: unordered, most recent allocation first
//
// # Allocation
//
// Requests are rounded up to the block granularity (512 bytes by default).
// The free list is scanned for the smallest block that fits (best-fit). If
// nothing fits and growth is allowed, a new pool is requested, rounded up to
// the pool granularity (128KB by default). When the Source happens to return
// memory directly after the most recent pool, the trailing free block is
// extended in place; otherwise the new pool starts an independent head block.
//
// Oversized blocks are split, the tail going back to the free list.
//
// # Release and coalescing
//
// Released blocks are reinserted at their address-sorted position and merged
// with free neighbours on either side, except across a head block: heads
// mark the start of an independently acquired pool, and two pools are never
// assumed to be contiguous.
//
// # Usage Example
//
//	a, err := alloc.New(dev, alloc.Config{Name: "device"})
//	if err != nil {
//	    return err
//	}
//	addr, err := a.Allocate(100, "weights")
//	if errors.Is(err, alloc.ErrOutOfMemory) {
//	    // release other buffers and retry
//	}
//	defer a.Release(addr)
//
// # Thread Safety
//
// All Allocator methods are safe for concurrent use. Block list mutations
// are serialized by a per-allocator mutex.
//
// # Related Packages
//
//   - github.com/joshuapare/devmem/mem/device: simulated accelerator Source
//   - github.com/joshuapare/devmem/mem/hostmem: heap and pinned host Sources
//   - github.com/joshuapare/devmem/mem/storage: per-buffer residency on top of allocators
package alloc
