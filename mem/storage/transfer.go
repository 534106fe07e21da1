package storage

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/joshuapare/devmem/internal/logger"
	"github.com/joshuapare/devmem/mem/device"
)

// ============================================================================
// Accessors
// ============================================================================

// Data returns the host bytes for writing, allocating host memory on first
// use. The buffer must be host resident with no transfer in flight.
func (s *Storage) Data() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.allocSize == 0 {
		return nil, nil
	}
	if s.host == 0 {
		if err := s.allocateHostLocked(); err != nil {
			return nil, err
		}
	}
	if s.residency != Host {
		s.violate("data", "host access while data is %s", s.residency)
	}
	if s.preloadInFlight() {
		s.violate("data", "host access while a preload reads it")
	}
	if s.offloadPending() {
		s.violate("data", "host access while an offload writes it")
	}
	return s.hostBuf[:s.size:s.size], nil
}

// View returns the host bytes for reading. The buffer must be host resident.
func (s *Storage) View() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.residency != Host {
		s.violate("view", "host access while data is %s", s.residency)
	}
	return s.hostBuf[:s.size:s.size]
}

// DeviceData returns the device address for writing. The buffer must be
// device resident with no offload reading it.
func (s *Storage) DeviceData() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == 0 {
		s.violate("device data", "write to unallocated device memory")
	}
	if s.residency != Device {
		s.violate("device data", "device access while data is %s", s.residency)
	}
	if s.offloadPending() {
		s.violate("device data", "write to data being offloaded")
	}
	return s.dev
}

// DeviceView returns the device address for reading.
func (s *Storage) DeviceView() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.residency != Device {
		s.violate("device view", "device access while data is %s", s.residency)
	}
	return s.dev
}

// OffloadPending reports whether an offload was requested and not yet
// waited for.
func (s *Storage) OffloadPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offload != nil
}

// PreloadPending reports whether a preload was requested and not yet
// waited for.
func (s *Storage) PreloadPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preload != nil
}

// offloadPending reports whether an offload completion has not fired yet.
func (s *Storage) offloadPending() bool { return s.offload != nil && !s.offloadDone }

func (s *Storage) preloadInFlight() bool { return s.preload != nil && !s.preload.Done() }

// ============================================================================
// Asynchronous transfers
// ============================================================================

// Offload starts an asynchronous device to host copy. It is a no-op for
// buffers that are not offloadable, that have no device copy, or whose host
// copy is already authoritative, and while another offload is outstanding.
// Unforced offloads of buffers below the minimum offload size are skipped
// and take a device reference instead, so the only valid copy is not freed.
func (s *Storage) Offload(force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.allocSize == 0 || s.caps&Offloadable == 0 {
		return nil
	}
	if s.host == 0 {
		s.violate("offload", "offload to deallocated host storage")
	}
	if s.dev == 0 || s.residency == Host {
		return nil
	}
	if !force && s.size < s.env.minOffload() {
		logger.L.Debug("storage offload skipped", "buffer", s.name, "size", s.size)
		s.incDeviceRefLocked(1)
		return nil
	}
	if s.offload != nil {
		return nil
	}

	ev := device.NewEvent()
	s.offload = ev
	s.offloadDone = false
	logger.L.Debug("storage offload requested", "buffer", s.name, "size", s.size)

	err := s.env.Copier.CopyDtoHAsync(s.hostBuf[:s.size], s.dev, func(err error) {
		s.offloadComplete(ev, err)
	})
	if err != nil {
		s.offload = nil
		return fmt.Errorf("storage %q: offload: %w", s.name, err)
	}
	return nil
}

// offloadComplete runs on the device stream once the copy finished. It
// applies deferred frees and resolves the event.
func (s *Storage) offloadComplete(ev *device.Event, err error) {
	s.mu.Lock()

	var result *multierror.Error
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("storage %q: offload copy: %w", s.name, err))
	}
	if s.freeDevOnOffload && s.dev != 0 {
		if ferr := s.releaseDeviceLocked(); ferr != nil {
			result = multierror.Append(result, ferr)
		}
	}
	if s.freeHostOnOffload && s.host != 0 {
		if ferr := s.releaseHostLocked(); ferr != nil {
			result = multierror.Append(result, ferr)
		}
	}
	s.offloadDone = true
	s.freeDevOnOffload = false
	s.freeHostOnOffload = false
	logger.L.Debug("storage offload done", "buffer", s.name, "residency", s.residency)

	s.mu.Unlock()
	ev.Complete(result.ErrorOrNil())
}

// Preload starts an asynchronous host to device copy, allocating device
// memory if needed. A deferred device free armed by an offload that has not
// completed yet is cancelled so the memory about to be reused survives.
func (s *Storage) Preload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.allocSize == 0 || s.caps&Offloadable == 0 {
		return nil
	}
	if s.offloadPending() {
		if s.freeDevOnOffload {
			logger.L.Debug("storage cancelling device free on offload", "buffer", s.name)
		}
		s.freeDevOnOffload = false
		if s.freeHostOnOffload {
			s.violate("preload", "host memory is scheduled for release")
		}
	}
	if s.residency == Device {
		return nil
	}
	if s.host == 0 {
		s.violate("preload", "preload from deallocated host storage")
	}
	if s.dev == 0 {
		if err := s.allocateDeviceLocked(); err != nil {
			return err
		}
	}
	if s.preload != nil {
		return nil
	}

	ev := device.NewEvent()
	s.preload = ev
	logger.L.Debug("storage preload requested", "buffer", s.name, "size", s.size)

	err := s.env.Copier.CopyHtoDAsync(s.dev, s.hostBuf[:s.size], func(err error) {
		s.preloadComplete(ev, err)
	})
	if err != nil {
		s.preload = nil
		return fmt.Errorf("storage %q: preload: %w", s.name, err)
	}
	return nil
}

func (s *Storage) preloadComplete(ev *device.Event, err error) {
	s.mu.Lock()
	if err == nil && s.dev != 0 {
		s.residency = Device
	}
	logger.L.Debug("storage preload done", "buffer", s.name, "residency", s.residency)
	s.mu.Unlock()

	if err != nil {
		err = fmt.Errorf("storage %q: preload copy: %w", s.name, err)
	}
	ev.Complete(err)
}

// ScheduleOffload queues a forced offload behind all work already on the
// device stream.
func (s *Storage) ScheduleOffload() error {
	return s.env.Copier.Launch(func() {
		if err := s.Offload(true); err != nil {
			logger.L.Error("scheduled offload failed", "buffer", s.Name(), "err", err)
		}
	})
}

// WaitForOffload blocks until a requested offload completes.
func (s *Storage) WaitForOffload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitOffloadLocked()
}

// WaitForPreload blocks until a requested preload completes.
func (s *Storage) WaitForPreload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitPreloadLocked()
}

// waitOffloadLocked drops mu while blocked so the completion can run.
func (s *Storage) waitOffloadLocked() error {
	ev := s.offload
	if ev == nil {
		return nil
	}
	s.mu.Unlock()
	err := ev.Wait()
	s.mu.Lock()
	if s.offload == ev {
		s.offload = nil
	}
	return err
}

func (s *Storage) waitPreloadLocked() error {
	ev := s.preload
	if ev == nil {
		return nil
	}
	s.mu.Unlock()
	err := ev.Wait()
	s.mu.Lock()
	if s.preload == ev {
		s.preload = nil
	}
	return err
}

// ============================================================================
// Blocking copies
// ============================================================================

// CopyToDevice makes the device copy authoritative, waiting for a pending
// preload or copying synchronously from host.
func (s *Storage) CopyToDevice() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.preload != nil {
		if err := s.waitPreloadLocked(); err != nil {
			return err
		}
		if s.residency != Device {
			s.violate("copy to device", "data is %s after preload", s.residency)
		}
	}
	if s.residency == Device {
		return nil
	}
	if s.residency != Host {
		s.violate("copy to device", "copy from unallocated host memory")
	}
	if s.dev == 0 {
		if err := s.allocateDeviceLocked(); err != nil {
			return err
		}
	}

	if err := s.env.Copier.CopyHtoD(s.dev, s.hostBuf[:s.size]); err != nil {
		return fmt.Errorf("storage %q: copy to device: %w", s.name, err)
	}
	s.residency = Device
	logger.L.Debug("storage copied to device", "buffer", s.name, "size", s.size)
	return nil
}

// CopyToHost makes the host copy authoritative. A pending offload is
// waited for instead of issuing a second copy. With allowAlloc, a buffer
// without host memory gets fresh host memory and nothing is copied.
func (s *Storage) CopyToHost(allowAlloc bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.preload != nil {
		if err := s.waitPreloadLocked(); err != nil {
			return err
		}
	}
	if s.residency == Host {
		return nil
	}

	if allowAlloc && s.host == 0 {
		return s.allocateHostLocked()
	}
	if s.residency == Unallocated {
		s.violate("copy to host", "copy to unallocated host memory")
	}

	if s.offload != nil && s.caps&Offloadable != 0 {
		if err := s.waitOffloadLocked(); err != nil {
			return err
		}
	} else if err := s.env.Copier.CopyDtoH(s.hostBuf[:s.size], s.dev); err != nil {
		return fmt.Errorf("storage %q: copy to host: %w", s.name, err)
	}

	if s.host == 0 {
		s.violate("copy to host", "host memory released during offload")
	}
	s.residency = Host
	logger.L.Debug("storage copied to host", "buffer", s.name, "size", s.size)
	return nil
}

// SyncToHost refreshes the host copy from the device without changing
// residency.
func (s *Storage) SyncToHost() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncToHostLocked()
}

func (s *Storage) syncToHostLocked() error {
	if s.residency == Host {
		return nil
	}
	if s.residency == Unallocated {
		s.violate("sync to host", "sync to unallocated host memory")
	}
	if err := s.waitPreloadLocked(); err != nil {
		return err
	}
	if err := s.waitOffloadLocked(); err != nil {
		return err
	}
	if s.residency != Device || s.host == 0 {
		return nil
	}
	if err := s.env.Copier.CopyDtoH(s.hostBuf[:s.size], s.dev); err != nil {
		return fmt.Errorf("storage %q: sync to host: %w", s.name, err)
	}
	return nil
}

// OverrideHost declares the host copy authoritative without copying, for
// buffers about to be overwritten.
func (s *Storage) OverrideHost() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.residency == Host {
		return nil
	}
	if err := s.allocateHostLocked(); err != nil {
		return err
	}
	s.residency = Host
	return nil
}

// OverrideDevice declares the device copy authoritative without copying.
func (s *Storage) OverrideDevice() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.residency == Device {
		return nil
	}
	if err := s.allocateDeviceLocked(); err != nil {
		return err
	}
	if s.dev == 0 {
		return nil
	}
	s.residency = Device
	return nil
}

// CopyWithinHost copies the host contents into dst.
func (s *Storage) CopyWithinHost(dst []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.host == 0 {
		s.violate("copy within host", "source not allocated on host")
	}
	return copy(dst, s.hostBuf[:s.size])
}

// CopyWithinDevice copies the device contents to dst and waits for it.
func (s *Storage) CopyWithinDevice(dst uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == 0 {
		s.violate("copy within device", "source not allocated on device")
	}
	if dst == 0 {
		s.violate("copy within device", "invalid destination address")
	}
	if err := s.env.Copier.CopyDtoD(dst, s.dev, s.size); err != nil {
		return fmt.Errorf("storage %q: copy within device: %w", s.name, err)
	}
	return nil
}
