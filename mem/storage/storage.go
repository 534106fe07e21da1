package storage

import (
	"fmt"
	"sync"

	"github.com/joshuapare/devmem/internal/logger"
	"github.com/joshuapare/devmem/mem/device"
)

// Storage is the backing store of one logical buffer. It tracks which
// memory space holds the authoritative copy and moves data between them.
//
// All state is guarded by mu. Transfer completion callbacks run on the
// device stream and take mu too; waits drop it while blocked.
type Storage struct {
	env *Env

	mu        sync.Mutex
	caps      Capability
	name      string
	size      int64
	allocSize int64
	residency Residency

	host    uintptr
	hostBuf []byte
	dev     uintptr

	refs    int
	devRefs int

	offload     *device.Event
	offloadDone bool
	preload     *device.Event

	freeDevOnOffload  bool
	freeHostOnOffload bool
}

// New creates an unallocated buffer of size bytes. Memory is obtained
// lazily on first access.
func New(env *Env, caps Capability, size int64, name string) *Storage {
	if env == nil {
		panic("storage: nil Env")
	}
	return &Storage{
		env:       env,
		caps:      caps,
		name:      name,
		size:      size,
		allocSize: size,
	}
}

// Name returns the diagnostic label.
func (s *Storage) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Size returns the logical size in bytes.
func (s *Storage) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// AllocSize returns the capacity backing the buffer, at least Size.
func (s *Storage) AllocSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocSize
}

// Capabilities returns the capability mask.
func (s *Storage) Capabilities() Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// Residency returns the space holding the authoritative copy.
func (s *Storage) Residency() Residency {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.residency
}

// HostAddr returns the host block address, zero when unallocated.
func (s *Storage) HostAddr() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// DeviceAddr returns the device block address, zero when unallocated.
func (s *Storage) DeviceAddr() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev
}

// Refs returns the host reference count.
func (s *Storage) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// DeviceRefs returns the device reference count.
func (s *Storage) DeviceRefs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devRefs
}

// SetCapabilities replaces the capability mask. Only legal before any
// memory is allocated.
func (s *Storage) SetCapabilities(caps Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caps == caps {
		return
	}
	if s.host != 0 || s.dev != 0 {
		s.violate("set capabilities", "changing capabilities of allocated storage")
	}
	s.caps = caps
}

// Rename changes the label and the annotation of every backing block.
func (s *Storage) Rename(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
	if s.host != 0 {
		s.hostAllocator().Annotate(s.host, name)
	}
	if s.dev != 0 {
		s.env.Device.Annotate(s.dev, name)
	}
}

// Resize changes the logical size. Shrinking within the allocated capacity
// only updates the size. Growing frees both spaces and reallocates whichever
// were populated; contents are not preserved.
func (s *Storage) Resize(size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if size < 0 {
		s.violate("resize", "negative size %d", size)
	}
	if size <= s.allocSize {
		s.size = size
		return nil
	}
	logger.L.Debug("storage resize", "buffer", s.name, "from", s.allocSize, "to", size)

	hadHost, hadDev := s.host != 0, s.dev != 0
	if err := s.freeDeviceLocked(true, true); err != nil {
		return err
	}
	if err := s.freeHostLocked(); err != nil {
		return err
	}
	s.size, s.allocSize = size, size

	if hadHost {
		if err := s.allocateHostLocked(); err != nil {
			return err
		}
	}
	if hadDev {
		return s.allocateDeviceLocked()
	}
	return nil
}

// ============================================================================
// Allocation
// ============================================================================

// AllocateHost obtains host memory if absent. Offloadable buffers draw from
// the pinned allocator.
func (s *Storage) AllocateHost() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocateHostLocked()
}

// AllocateDevice obtains device memory if absent, allocating host memory
// first. Pending transfers are waited for.
func (s *Storage) AllocateDevice() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocateDeviceLocked()
}

// FreeHost releases host memory. While an offload is in flight the release
// is deferred to its completion.
func (s *Storage) FreeHost() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeHostLocked()
}

// FreeDevice releases device memory. Without force it is a no-op for
// KeepDeviceMemory buffers. While an offload is in flight the release is
// deferred to its completion.
func (s *Storage) FreeDevice(force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeDeviceLocked(force, false)
}

// Release frees both spaces, waiting for transfers, and zeroes the
// reference counts.
func (s *Storage) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked()
}

// Close is Release for use in defer statements.
func (s *Storage) Close() error { return s.Release() }

func (s *Storage) releaseLocked() error {
	if err := s.freeDeviceLocked(true, true); err != nil {
		return err
	}
	if err := s.freeHostLocked(); err != nil {
		return err
	}
	s.residency = Unallocated
	s.refs, s.devRefs = 0, 0
	return nil
}

func (s *Storage) hostAllocator() HostAllocator {
	if s.caps&Offloadable != 0 {
		return s.env.Pinned
	}
	return s.env.Host
}

func (s *Storage) allocateHostLocked() error {
	if s.allocSize == 0 || s.host != 0 {
		return nil
	}
	if s.dev != 0 {
		s.violate("allocate host", "data cannot be only on device")
	}

	a := s.hostAllocator()
	addr, err := a.Allocate(s.allocSize, s.name)
	if err != nil {
		return fmt.Errorf("storage %q: allocate host: %w", s.name, err)
	}
	buf, err := a.Bytes(addr, s.allocSize)
	if err != nil {
		_ = a.Release(addr)
		return fmt.Errorf("storage %q: map host: %w", s.name, err)
	}

	s.host, s.hostBuf = addr, buf
	s.residency = Host
	logger.L.Debug("storage host allocated", "buffer", s.name, "addr", fmt.Sprintf("%#x", addr), "size", s.allocSize)
	return nil
}

func (s *Storage) allocateDeviceLocked() error {
	if s.allocSize == 0 {
		return nil
	}
	if err := s.allocateHostLocked(); err != nil {
		return err
	}
	if err := s.waitOffloadLocked(); err != nil {
		return err
	}
	if err := s.waitPreloadLocked(); err != nil {
		return err
	}
	if s.dev != 0 {
		return nil
	}

	addr, err := s.env.Device.Allocate(s.allocSize, s.name)
	if err != nil {
		return fmt.Errorf("storage %q: allocate device: %w", s.name, err)
	}
	s.dev = addr
	logger.L.Debug("storage device allocated", "buffer", s.name, "addr", fmt.Sprintf("%#x", addr), "size", s.allocSize)
	return nil
}

func (s *Storage) freeHostLocked() error {
	if s.offloadPending() {
		s.freeHostOnOffload = true
		logger.L.Debug("storage host free deferred to offload", "buffer", s.name)
		return nil
	}
	if s.host == 0 {
		return nil
	}
	if s.dev != 0 {
		s.violate("free host", "data cannot be only on device")
	}
	return s.releaseHostLocked()
}

func (s *Storage) releaseHostLocked() error {
	addr := s.host
	s.host, s.hostBuf = 0, nil
	s.residency = Unallocated
	if err := s.hostAllocator().Release(addr); err != nil {
		return fmt.Errorf("storage %q: free host: %w", s.name, err)
	}
	logger.L.Debug("storage host freed", "buffer", s.name, "addr", fmt.Sprintf("%#x", addr))
	return nil
}

func (s *Storage) freeDeviceLocked(force, waitOffload bool) error {
	if err := s.waitPreloadLocked(); err != nil {
		return err
	}
	if waitOffload {
		if err := s.waitOffloadLocked(); err != nil {
			return err
		}
	}
	if s.dev == 0 {
		return nil
	}
	if !force && s.caps&KeepDeviceMemory != 0 {
		logger.L.Debug("storage device free skipped", "buffer", s.name)
		return nil
	}
	if s.offloadPending() {
		s.freeDevOnOffload = true
		logger.L.Debug("storage device free deferred to offload", "buffer", s.name)
		return nil
	}
	s.freeDevOnOffload = false
	return s.releaseDeviceLocked()
}

func (s *Storage) releaseDeviceLocked() error {
	addr := s.dev
	s.dev = 0
	// The host copy is the only one left.
	if s.host != 0 {
		s.residency = Host
	} else {
		s.residency = Unallocated
	}
	if err := s.env.Device.Release(addr); err != nil {
		return fmt.Errorf("storage %q: free device: %w", s.name, err)
	}
	logger.L.Debug("storage device freed", "buffer", s.name, "addr", fmt.Sprintf("%#x", addr))
	return nil
}

// ============================================================================
// Reference counting
// ============================================================================

// IncRef adds n host references. No-op without RefCounted.
func (s *Storage) IncRef(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caps&RefCounted == 0 {
		return
	}
	s.refs += n
}

// DecRef drops n host references and releases the buffer at zero.
func (s *Storage) DecRef(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caps&RefCounted == 0 {
		return nil
	}
	if n > s.refs {
		s.violate("dec ref", "decrementing %d of %d references", n, s.refs)
	}
	s.refs -= n
	if s.refs > 0 {
		return nil
	}

	logger.L.Debug("storage refs zeroed", "buffer", s.name)
	if err := s.freeDeviceLocked(false, false); err != nil {
		return err
	}
	if s.dev != 0 && !s.freeDevOnOffload {
		// Device memory was kept, so the host mirror stays with it.
		return nil
	}
	return s.freeHostLocked()
}

// ResetRef sets the host reference count.
func (s *Storage) ResetRef(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caps&RefCounted == 0 {
		return
	}
	s.refs = n
}

// IncDeviceRef adds n device references. No-op without DeviceRefCounted.
func (s *Storage) IncDeviceRef(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incDeviceRefLocked(n)
}

func (s *Storage) incDeviceRefLocked(n int) {
	if s.caps&DeviceRefCounted == 0 {
		return
	}
	s.devRefs += n
}

// DecDeviceRef drops n device references and frees device memory at zero.
func (s *Storage) DecDeviceRef(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caps&DeviceRefCounted == 0 {
		return nil
	}
	if n > s.devRefs {
		s.violate("dec device ref", "decrementing %d of %d references", n, s.devRefs)
	}
	s.devRefs -= n
	if s.devRefs > 0 {
		return nil
	}
	logger.L.Debug("storage device refs zeroed", "buffer", s.name)
	return s.freeDeviceLocked(false, false)
}

// ResetDeviceRef sets the device reference count.
func (s *Storage) ResetDeviceRef(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caps&DeviceRefCounted == 0 {
		return
	}
	s.devRefs = n
}

// ============================================================================
// Duplication
// ============================================================================

// Clone returns a new buffer with a copy of the contents. The source is
// synced to host first; the clone starts host-resident with no device
// memory and zero reference counts.
func (s *Storage) Clone(name string) (*Storage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := New(s.env, s.caps, s.size, name)
	c.allocSize = s.allocSize
	if s.host == 0 {
		return c, nil
	}
	if s.residency == Unallocated {
		s.violate("clone", "host memory allocated but no residency")
	}
	if err := s.syncToHostLocked(); err != nil {
		return nil, err
	}
	if err := c.allocateHostLocked(); err != nil {
		return nil, err
	}
	copy(c.hostBuf, s.hostBuf[:s.allocSize])
	return c, nil
}

// Move transfers ownership of both spaces, counts and flags to a new
// buffer and leaves s empty. Moving while a transfer is in flight is a
// contract violation: its completion still targets s.
func (s *Storage) Move() *Storage {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offload != nil {
		s.violate("move", "offload in progress")
	}
	if s.preload != nil {
		s.violate("move", "preload in progress")
	}

	m := &Storage{
		env:       s.env,
		caps:      s.caps,
		name:      s.name,
		size:      s.size,
		allocSize: s.allocSize,
		residency: s.residency,
		host:      s.host,
		hostBuf:   s.hostBuf,
		dev:       s.dev,
		refs:      s.refs,
		devRefs:   s.devRefs,
	}
	s.host, s.hostBuf, s.dev = 0, nil, 0
	s.residency = Unallocated
	s.refs, s.devRefs = 0, 0
	return m
}
