package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/devmem/internal/format"
	"github.com/joshuapare/devmem/mem/alloc"
	"github.com/joshuapare/devmem/mem/device"
	"github.com/joshuapare/devmem/mem/hostmem"
)

type testEnv struct {
	*Env
	sim    *device.Sim
	host   *alloc.Allocator
	pinned *alloc.Allocator
	dev    *alloc.Allocator
}

func newTestEnv(t *testing.T, devCfg alloc.Config) *testEnv {
	t.Helper()

	sim := device.NewSim(device.SimConfig{})
	heap := hostmem.NewHeap()
	pinnedSrc := hostmem.NewPinned()

	host, err := alloc.New(heap, alloc.Config{Name: "host"})
	require.NoError(t, err)
	pinned, err := alloc.New(pinnedSrc, alloc.Config{Name: "pinned"})
	require.NoError(t, err)
	if devCfg.Name == "" {
		devCfg.Name = "device"
	}
	dev, err := alloc.New(sim, devCfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = sim.Close()
		require.NoError(t, dev.ReleaseAll())
		require.NoError(t, pinned.ReleaseAll())
		require.NoError(t, host.ReleaseAll())
		require.NoError(t, pinnedSrc.Close())
	})

	return &testEnv{
		Env: &Env{
			Host:           host,
			Pinned:         pinned,
			Device:         dev,
			Copier:         sim,
			MinOffloadSize: format.MinOffloadSize,
		},
		sim:    sim,
		host:   host,
		pinned: pinned,
		dev:    dev,
	}
}

// fill writes a recognisable pattern into the host copy.
func fill(t *testing.T, s *Storage, seed byte) []byte {
	t.Helper()
	data, err := s.Data()
	require.NoError(t, err)
	for i := range data {
		data[i] = seed + byte(i%251)
	}
	return append([]byte(nil), data...)
}

// onDevice returns a buffer whose authoritative copy is on the device.
func onDevice(t *testing.T, env *testEnv, caps Capability, size int64, name string) (*Storage, []byte) {
	t.Helper()
	s := New(env.Env, caps, size, name)
	want := fill(t, s, 7)
	require.NoError(t, s.CopyToDevice())
	require.Equal(t, Device, s.Residency())
	return s, want
}

func requireViolation(t *testing.T, fn func()) *ContractViolation {
	t.Helper()
	var got any
	func() {
		defer func() { got = recover() }()
		fn()
	}()
	cv, ok := got.(*ContractViolation)
	require.True(t, ok, "expected a contract violation, got %v", got)
	return cv
}

// assertResidency checks that residency never names an unallocated space
// and that device memory never exists without host memory.
func assertResidency(t *testing.T, s *Storage) {
	t.Helper()
	switch s.Residency() {
	case Host:
		require.NotZero(t, s.HostAddr(), "host residency without host memory")
	case Device:
		require.NotZero(t, s.DeviceAddr(), "device residency without device memory")
	}
	if s.DeviceAddr() != 0 {
		require.NotZero(t, s.HostAddr(), "device memory without host mirror")
	}
}
