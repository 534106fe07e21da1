// Package hostmem provides the coarse host-side memory primitives the block
// allocator carves buffers from.
//
// [Heap] hands out regions of Go heap memory. [Pinned] hands out anonymous
// mappings locked into RAM, the host staging area for asynchronous device
// transfers. Both implement alloc.Source and alloc.Mapper, so blocks carved
// from them are addressable as []byte.
package hostmem
