package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/devmem/internal/format"
	"github.com/joshuapare/devmem/mem"
	"github.com/joshuapare/devmem/mem/alloc"
	"github.com/joshuapare/devmem/mem/device"
	"github.com/joshuapare/devmem/mem/storage"
)

var (
	simWorkers int
	simBuffers int
	simSize    int64
	simRounds  int
	simDump    bool
	simMetrics bool
)

func init() {
	cmd := newSimulateCmd()
	cmd.Flags().IntVarP(&simWorkers, "workers", "w", 4, "Concurrent workers")
	cmd.Flags().IntVarP(&simBuffers, "buffers", "b", 4, "Buffers per worker and round")
	cmd.Flags().Int64VarP(&simSize, "size", "s", 4*format.MiB, "Base buffer size in bytes")
	cmd.Flags().IntVarP(&simRounds, "rounds", "r", 2, "Offload/preload rounds per worker")
	cmd.Flags().BoolVar(&simDump, "dump", false, "Print the allocator reports after the run")
	cmd.Flags().BoolVar(&simMetrics, "metrics", false, "Print the collected metrics after the run")
	rootCmd.AddCommand(cmd)
}

func newSimulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate",
		Short: "Run a synthetic offload/preload workload",
		Long: `The simulate command runs concurrent workers that each fill buffers on the
host, push them to the simulated device, offload them back, preload them again
and verify their contents. Buffer sizes vary between half and twice --size.

Example:
  devmemctl simulate
  devmemctl simulate --workers 8 --buffers 16 --size 1048576
  devmemctl simulate --config devmem.yaml --dump
  devmemctl simulate --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context())
		},
	}
}

// AllocatorSummary is the per-allocator part of a simulation summary.
type AllocatorSummary struct {
	Name      string      `json:"name"`
	Allocated int64       `json:"allocated"`
	Peak      int64       `json:"peak"`
	Capacity  int64       `json:"capacity"`
	Pools     int         `json:"pools"`
	Stats     alloc.Stats `json:"stats"`
}

// SimulationSummary describes one simulate run.
type SimulationSummary struct {
	Workers    int                `json:"workers"`
	Buffers    int                `json:"buffers"`
	Bytes      int64              `json:"bytes"`
	Offloaded  int64              `json:"offloaded"`
	Kept       int64              `json:"kept"`
	Duration   time.Duration      `json:"duration"`
	Allocators []AllocatorSummary `json:"allocators"`
	Copies     device.CopyStats   `json:"copies"`
}

type workload struct {
	m         *mem.Manager
	buffers   int
	size      int64
	rounds    int
	bytes     atomic.Int64
	offloaded atomic.Int64
	kept      atomic.Int64
}

func runSimulate(ctx context.Context) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if simWorkers < 1 || simBuffers < 1 || simRounds < 1 || simSize < 2 {
		return fmt.Errorf("workers, buffers and rounds must be positive and size at least 2")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := mem.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); err == nil {
			err = cerr
		}
	}()

	w := &workload{m: m, buffers: simBuffers, size: simSize, rounds: simRounds}
	printVerbose("Running %d workers x %d buffers x %d rounds\n", simWorkers, simBuffers, simRounds)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < simWorkers; i++ {
		worker := i
		g.Go(func() error {
			return w.run(gctx, worker)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	summary := SimulationSummary{
		Workers:   simWorkers,
		Buffers:   simWorkers * simBuffers * simRounds,
		Bytes:     w.bytes.Load(),
		Offloaded: w.offloaded.Load(),
		Kept:      w.kept.Load(),
		Duration:  time.Since(start),
		Copies:    m.Sim().Stats(),
	}
	for _, a := range []*alloc.Allocator{m.Host(), m.Pinned(), m.Device()} {
		summary.Allocators = append(summary.Allocators, AllocatorSummary{
			Name:      a.Name(),
			Allocated: a.Allocated(),
			Peak:      a.Peak(),
			Capacity:  a.Capacity(),
			Pools:     a.Pools(),
			Stats:     a.Stats(),
		})
	}

	if jsonOut {
		if err := printJSON(summary); err != nil {
			return err
		}
	} else {
		printSummary(summary)
	}

	if simDump {
		if err := m.Dump(os.Stdout); err != nil {
			return err
		}
	}
	if simMetrics {
		if err := printMetrics(m.Collector()); err != nil {
			return err
		}
	}
	return nil
}

// sizeFor spreads buffer sizes over half to twice the base size.
func (w *workload) sizeFor(i int) int64 {
	return w.size/2 + int64(i%4)*(w.size/2)
}

func pattern(worker, round, i, j int) byte {
	return byte(worker*31 + round*17 + i*7 + j)
}

func (w *workload) run(ctx context.Context, worker int) error {
	for round := 0; round < w.rounds; round++ {
		if err := w.round(ctx, worker, round); err != nil {
			return fmt.Errorf("worker %d round %d: %w", worker, round, err)
		}
	}
	return nil
}

func (w *workload) round(ctx context.Context, worker, round int) (err error) {
	bufs := make([]*storage.Storage, 0, w.buffers)
	defer func() {
		for _, s := range bufs {
			if rerr := s.Release(); rerr != nil && err == nil {
				err = rerr
			}
		}
	}()

	offloaded := make([]bool, w.buffers)
	for i := 0; i < w.buffers; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := fmt.Sprintf("w%d/r%d/b%d", worker, round, i)
		s := w.m.NewStorage(storage.Offloadable, w.sizeFor(i), name)
		bufs = append(bufs, s)

		data, err := s.Data()
		if err != nil {
			return err
		}
		for j := range data {
			data[j] = pattern(worker, round, i, j)
		}
		if err := s.CopyToDevice(); err != nil {
			return err
		}
		w.bytes.Add(s.Size())

		if err := s.Offload(false); err != nil {
			return err
		}
		if !s.OffloadPending() {
			// Too small to offload. The device copy stays authoritative.
			w.kept.Add(1)
			continue
		}
		offloaded[i] = true
		w.offloaded.Add(1)
		if err := s.FreeDevice(false); err != nil {
			return err
		}
	}

	for i, s := range bufs {
		if !offloaded[i] {
			continue
		}
		if err := s.WaitForOffload(); err != nil {
			return err
		}
		if err := s.Preload(); err != nil {
			return err
		}
	}

	for i, s := range bufs {
		if err := s.CopyToHost(false); err != nil {
			return err
		}
		got := s.View()
		for j := range got {
			if got[j] != pattern(worker, round, i, j) {
				return fmt.Errorf("buffer %s: byte %d is %#x after round trip", s.Name(), j, got[j])
			}
		}
	}
	return nil
}

func printSummary(s SimulationSummary) {
	printInfo("\nSimulation Summary\n")
	printInfo("%s\n\n", strings.Repeat("=", 40))
	printInfo("  Workers: %d\n", s.Workers)
	printInfo("  Buffers: %d (%s)\n", s.Buffers, format.HumanSize(s.Bytes))
	printInfo("  Offloaded: %d\n", s.Offloaded)
	printInfo("  Kept on device: %d\n", s.Kept)
	printInfo("  Duration: %s\n\n", s.Duration.Round(time.Millisecond))

	printInfo("Allocators:\n")
	for _, a := range s.Allocators {
		printInfo("  %s: allocated=%s, peak=%s, capacity=%s, pools=%d, grows=%d, extends=%d\n",
			a.Name,
			format.HumanSize(a.Allocated),
			format.HumanSize(a.Peak),
			format.HumanSize(a.Capacity),
			a.Pools,
			a.Stats.Grows,
			a.Stats.Extends)
	}

	printInfo("\nCopies:\n")
	printInfo("  host to device: %d\n", s.Copies.HostToDevice)
	printInfo("  device to host: %d\n", s.Copies.DeviceToHost)
	printInfo("  device to device: %d\n", s.Copies.DeviceToDevice)
	printInfo("  bytes: %s\n", format.HumanSize(s.Copies.Bytes))
}

// printMetrics gathers c through a registry and prints one line per sample.
func printMetrics(c prometheus.Collector) error {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		return err
	}
	families, err := reg.Gather()
	if err != nil {
		return err
	}

	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
			}
			value := m.GetGauge().GetValue()
			if m.GetCounter() != nil {
				value = m.GetCounter().GetValue()
			}
			lines = append(lines, fmt.Sprintf("%s{%s} %g", mf.GetName(), strings.Join(labels, ","), value))
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		fmt.Fprintln(os.Stdout, l)
	}
	return nil
}
