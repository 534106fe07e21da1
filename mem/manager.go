package mem

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"

	"github.com/joshuapare/devmem/internal/logger"
	"github.com/joshuapare/devmem/mem/alloc"
	"github.com/joshuapare/devmem/mem/device"
	"github.com/joshuapare/devmem/mem/hostmem"
	"github.com/joshuapare/devmem/mem/metrics"
	"github.com/joshuapare/devmem/mem/storage"
)

// Manager owns the allocators and device shared by a set of buffers.
type Manager struct {
	cfg Config

	heap      *hostmem.Heap
	pinnedSrc *hostmem.Pinned
	sim       *device.Sim

	host   *alloc.Allocator
	pinned *alloc.Allocator
	device *alloc.Allocator

	env       *storage.Env
	collector *metrics.Collector
}

// New builds a Manager. opts apply to all three allocators.
func New(cfg Config, opts ...alloc.Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		heap:      hostmem.NewHeap(),
		pinnedSrc: hostmem.NewPinned(),
		sim:       device.NewSim(cfg.Sim),
	}

	var err error
	if m.host, err = alloc.New(m.heap, withName(cfg.Host, "host"), opts...); err != nil {
		return nil, m.abort(fmt.Errorf("mem: host allocator: %w", err))
	}
	if m.pinned, err = alloc.New(m.pinnedSrc, withName(cfg.Pinned, "pinned"), opts...); err != nil {
		return nil, m.abort(fmt.Errorf("mem: pinned allocator: %w", err))
	}
	if m.device, err = alloc.New(m.sim, withName(cfg.Device, "device"), opts...); err != nil {
		return nil, m.abort(fmt.Errorf("mem: device allocator: %w", err))
	}

	m.env = &storage.Env{
		Host:           m.host,
		Pinned:         m.pinned,
		Device:         m.device,
		Copier:         m.sim,
		MinOffloadSize: cfg.MinOffloadSize,
	}
	m.collector = metrics.NewCollector(m.sim, m.host, m.pinned, m.device)

	logger.L.Info("memory manager ready",
		"device_fixed", cfg.Device.FixedCapacity,
		"device_reserve", cfg.Device.Reserve,
		"min_offload", cfg.MinOffloadSize)
	return m, nil
}

func withName(c alloc.Config, name string) alloc.Config {
	if c.Name == "" {
		c.Name = name
	}
	return c
}

// abort tears down whatever New built before failing.
func (m *Manager) abort(err error) error {
	if cerr := m.Close(); cerr != nil {
		return multierror.Append(err, cerr)
	}
	return err
}

// Config returns the configuration the manager was built with.
func (m *Manager) Config() Config { return m.cfg }

// Host returns the plain host allocator.
func (m *Manager) Host() *alloc.Allocator { return m.host }

// Pinned returns the page-locked host allocator.
func (m *Manager) Pinned() *alloc.Allocator { return m.pinned }

// Device returns the device allocator.
func (m *Manager) Device() *alloc.Allocator { return m.device }

// Sim returns the simulated device.
func (m *Manager) Sim() *device.Sim { return m.sim }

// Env returns the storage environment shared by the manager's buffers.
func (m *Manager) Env() *storage.Env { return m.env }

// Collector returns a Prometheus collector over the manager's allocators
// and copy engine.
func (m *Manager) Collector() *metrics.Collector { return m.collector }

// NewStorage creates an unallocated buffer backed by this manager.
func (m *Manager) NewStorage(caps storage.Capability, size int64, name string) *storage.Storage {
	return storage.New(m.env, caps, size, name)
}

// Dump writes the reports of all three allocators to w.
func (m *Manager) Dump(w io.Writer) error {
	for _, a := range []*alloc.Allocator{m.host, m.pinned, m.device} {
		if err := a.Dump(w); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the device stream and returns every pool to its source.
// Buffers created from the manager must not be used afterwards.
func (m *Manager) Close() error {
	var result *multierror.Error

	if m.sim != nil {
		if err := m.sim.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, a := range []*alloc.Allocator{m.device, m.pinned, m.host} {
		if a == nil {
			continue
		}
		if err := a.ReleaseAll(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if m.pinnedSrc != nil {
		if err := m.pinnedSrc.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
