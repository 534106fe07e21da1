package hostmem

import (
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/joshuapare/devmem/internal/logger"
	"github.com/joshuapare/devmem/internal/mmap"
)

// Pinned hands out anonymous mappings locked into RAM. Locking is best
// effort: when the memlock limit refuses it the region is still usable and
// only the Locked counter reflects the difference.
type Pinned struct {
	regions regionTable
	locked  atomic.Int64
}

// NewPinned returns an empty pinned source.
func NewPinned() *Pinned { return &Pinned{} }

// Acquire maps and locks size bytes.
func (p *Pinned) Acquire(size int64) (uintptr, error) {
	buf, locked, release, err := mmap.Anon(int(size), true)
	if err != nil {
		return 0, fmt.Errorf("hostmem: pinned acquire: %w", err)
	}
	if locked {
		p.locked.Add(size)
	} else {
		logger.L.Warn("pinned region not locked", "size", size)
	}

	unlock := release
	if locked {
		unlock = func() error {
			err := release()
			if err == nil {
				p.locked.Add(-size)
			}
			return err
		}
	}
	addr := p.regions.add(buf, unlock)
	logger.L.Debug("pinned acquire", "addr", fmt.Sprintf("%#x", addr), "size", size, "locked", locked)
	return addr, nil
}

// Release unmaps a region obtained from Acquire.
func (p *Pinned) Release(addr uintptr, size int64) error {
	r, err := p.regions.remove(addr, size)
	if err != nil {
		return err
	}
	logger.L.Debug("pinned release", "addr", fmt.Sprintf("%#x", addr), "size", size)
	return r.release()
}

// Map returns n bytes at addr.
func (p *Pinned) Map(addr uintptr, n int64) ([]byte, error) {
	return p.regions.mapRange(addr, n)
}

// InUse returns the bytes currently mapped.
func (p *Pinned) InUse() int64 { return p.regions.inUse() }

// Locked returns the bytes currently locked into RAM.
func (p *Pinned) Locked() int64 { return p.locked.Load() }

// Regions returns the number of live mappings.
func (p *Pinned) Regions() int { return p.regions.len() }

// Close unmaps every region still live.
func (p *Pinned) Close() error {
	var result *multierror.Error
	for _, r := range p.regions.drain() {
		if err := r.release(); err != nil {
			result = multierror.Append(result, fmt.Errorf("unmap %#x: %w", r.addr, err))
		}
	}
	return result.ErrorOrNil()
}
