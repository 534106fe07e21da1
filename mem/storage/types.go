package storage

import (
	"strings"

	"github.com/joshuapare/devmem/internal/format"
)

// Capability is a bitmask fixed before a buffer is first allocated.
type Capability uint8

const (
	// Offloadable buffers use pinned host memory and support asynchronous
	// offload and preload.
	Offloadable Capability = 1 << iota

	// RefCounted buffers release both spaces when the host count drops to zero.
	RefCounted

	// DeviceRefCounted buffers release device memory when the device count
	// drops to zero.
	DeviceRefCounted

	// KeepDeviceMemory buffers ignore unforced device frees.
	KeepDeviceMemory
)

// Has reports whether every bit of o is set.
func (c Capability) Has(o Capability) bool { return c&o == o }

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		bit  Capability
		name string
	}{
		{Offloadable, "offloadable"},
		{RefCounted, "refcounted"},
		{DeviceRefCounted, "device-refcounted"},
		{KeepDeviceMemory, "keep-device-memory"},
	} {
		if c&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// Residency names the memory space holding the authoritative copy.
type Residency uint8

const (
	Unallocated Residency = iota
	Host
	Device
)

func (r Residency) String() string {
	switch r {
	case Host:
		return "host"
	case Device:
		return "device"
	default:
		return "unallocated"
	}
}

// Allocator is the block allocator interface storage needs.
type Allocator interface {
	Allocate(size int64, annotation string) (uintptr, error)
	Release(addr uintptr) error
	Annotate(addr uintptr, annotation string) bool
}

// HostAllocator is an Allocator whose blocks are addressable from Go.
type HostAllocator interface {
	Allocator
	Bytes(addr uintptr, n int64) ([]byte, error)
}

// Copier moves bytes between host and device memory. Async variants run on
// the device stream and invoke done there.
type Copier interface {
	CopyHtoD(dst uintptr, src []byte) error
	CopyDtoH(dst []byte, src uintptr) error
	CopyDtoD(dst, src uintptr, n int64) error
	CopyHtoDAsync(dst uintptr, src []byte, done func(error)) error
	CopyDtoHAsync(dst []byte, src uintptr, done func(error)) error
	Launch(fn func()) error
}

// Env bundles the allocators and copy engine shared by every buffer.
type Env struct {
	Host   HostAllocator // plain host memory
	Pinned HostAllocator // page-locked host memory for offloadable buffers
	Device Allocator
	Copier Copier

	// MinOffloadSize is the size below which unforced offloads are skipped.
	// Zero means format.MinOffloadSize.
	MinOffloadSize int64
}

func (e *Env) minOffload() int64 {
	if e.MinOffloadSize > 0 {
		return e.MinOffloadSize
	}
	return format.MinOffloadSize
}
