package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/joshuapare/devmem/internal/format"
	"github.com/joshuapare/devmem/internal/logger"
)

// DefaultBase is where the simulated address space starts.
const DefaultBase uintptr = 0x7f00_0000_0000

// SimConfig configures a simulated device.
type SimConfig struct {
	// Base is the first device address handed out. Zero means DefaultBase.
	Base uintptr `json:"base,omitempty"`

	// Capacity bounds the bytes acquired at once. Zero means unlimited.
	Capacity int64 `json:"capacity,omitempty"`

	// Gap leaves a hole after every region so consecutive acquisitions are
	// never contiguous.
	Gap int64 `json:"gap,omitempty"`

	// CopyLatency is added to every copy to widen transfer windows.
	CopyLatency time.Duration `json:"copyLatency,omitempty"`
}

// CopyStats counts copies executed by the copy engine.
type CopyStats struct {
	HostToDevice   int
	DeviceToHost   int
	DeviceToDevice int
	Bytes          int64
}

// Sim is an in-process stand-in for an accelerator. Device memory lives in
// one backing buffer indexed by address; regions are bump allocated and
// never reused. Asynchronous copies and host functions run on a single
// in-order stream.
type Sim struct {
	cfg SimConfig

	mu      sync.Mutex
	next    uintptr
	backing []byte
	live    map[uintptr]int64
	inUse   int64
	stats   CopyStats

	stream *Stream
}

// NewSim creates a simulated device and starts its stream.
func NewSim(cfg SimConfig) *Sim {
	if cfg.Base == 0 {
		cfg.Base = DefaultBase
	}
	return &Sim{
		cfg:    cfg,
		next:   cfg.Base,
		live:   make(map[uintptr]int64),
		stream: NewStream("sim"),
	}
}

// Config returns the effective configuration.
func (d *Sim) Config() SimConfig { return d.cfg }

// Stream returns the device stream.
func (d *Sim) Stream() *Stream { return d.stream }

// Acquire reserves size bytes of device memory.
func (d *Sim) Acquire(size int64) (uintptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: acquire %d bytes", ErrBadAddress, size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.Capacity > 0 && d.inUse+size > d.cfg.Capacity {
		return 0, fmt.Errorf("%w: %s requested, %s of %s in use", ErrOutOfMemory,
			format.HumanSize(size), format.HumanSize(d.inUse), format.HumanSize(d.cfg.Capacity))
	}

	addr := d.next
	d.next += uintptr(size + d.cfg.Gap)
	if need := int(d.next - d.cfg.Base); need > len(d.backing) {
		d.backing = append(d.backing, make([]byte, need-len(d.backing))...)
	}
	d.live[addr] = size
	d.inUse += size

	logger.L.Debug("device acquire", "addr", fmt.Sprintf("%#x", addr), "size", size, "inUse", d.inUse)
	return addr, nil
}

// Release frees a region obtained from Acquire.
func (d *Sim) Release(addr uintptr, size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	got, ok := d.live[addr]
	if !ok || got != size {
		return fmt.Errorf("%w: release %#x (%d bytes)", ErrBadAddress, addr, size)
	}
	delete(d.live, addr)
	d.inUse -= size

	logger.L.Debug("device release", "addr", fmt.Sprintf("%#x", addr), "size", size, "inUse", d.inUse)
	return nil
}

// InUse returns the bytes currently acquired.
func (d *Sim) InUse() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inUse
}

// Regions returns the number of live regions.
func (d *Sim) Regions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Stats returns a snapshot of the copy counters.
func (d *Sim) Stats() CopyStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Peek returns a copy of n device bytes at addr.
func (d *Sim) Peek(addr uintptr, n int64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	off, err := d.offset(addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.backing[off:])
	return out, nil
}

// CopyHtoD copies src into device memory at dst and returns when done.
func (d *Sim) CopyHtoD(dst uintptr, src []byte) error {
	d.latency()
	d.mu.Lock()
	defer d.mu.Unlock()
	off, err := d.offset(dst, int64(len(src)))
	if err != nil {
		return fmt.Errorf("copy host to device: %w", err)
	}
	copy(d.backing[off:], src)
	d.stats.HostToDevice++
	d.stats.Bytes += int64(len(src))
	return nil
}

// CopyDtoH copies len(dst) device bytes at src into dst.
func (d *Sim) CopyDtoH(dst []byte, src uintptr) error {
	d.latency()
	d.mu.Lock()
	defer d.mu.Unlock()
	off, err := d.offset(src, int64(len(dst)))
	if err != nil {
		return fmt.Errorf("copy device to host: %w", err)
	}
	copy(dst, d.backing[off:])
	d.stats.DeviceToHost++
	d.stats.Bytes += int64(len(dst))
	return nil
}

// CopyDtoD copies n bytes between device addresses.
func (d *Sim) CopyDtoD(dst, src uintptr, n int64) error {
	d.latency()
	d.mu.Lock()
	defer d.mu.Unlock()
	so, err := d.offset(src, n)
	if err != nil {
		return fmt.Errorf("copy device to device: %w", err)
	}
	do, err := d.offset(dst, n)
	if err != nil {
		return fmt.Errorf("copy device to device: %w", err)
	}
	copy(d.backing[do:do+n], d.backing[so:so+n])
	d.stats.DeviceToDevice++
	d.stats.Bytes += n
	return nil
}

// CopyHtoDAsync queues a host to device copy on the stream; done runs on the
// stream goroutine with the copy result.
func (d *Sim) CopyHtoDAsync(dst uintptr, src []byte, done func(error)) error {
	return d.stream.Launch(func() { done(d.CopyHtoD(dst, src)) })
}

// CopyDtoHAsync queues a device to host copy on the stream.
func (d *Sim) CopyDtoHAsync(dst []byte, src uintptr, done func(error)) error {
	return d.stream.Launch(func() { done(d.CopyDtoH(dst, src)) })
}

// Launch queues a host function on the stream.
func (d *Sim) Launch(fn func()) error { return d.stream.Launch(fn) }

// Synchronize waits for all queued stream work.
func (d *Sim) Synchronize() error { return d.stream.Synchronize() }

// Close drains and stops the stream.
func (d *Sim) Close() error {
	d.stream.Close()
	return nil
}

func (d *Sim) latency() {
	if d.cfg.CopyLatency > 0 {
		time.Sleep(d.cfg.CopyLatency)
	}
}

// offset maps [addr, addr+n) into the backing buffer. Callers hold d.mu.
func (d *Sim) offset(addr uintptr, n int64) (int64, error) {
	if n < 0 || addr < d.cfg.Base || addr+uintptr(n) > d.next {
		return 0, fmt.Errorf("%w: %#x+%d", ErrBadAddress, addr, n)
	}
	return int64(addr - d.cfg.Base), nil
}
