// Package metrics exports allocator and copy engine statistics to
// Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshuapare/devmem/mem/alloc"
	"github.com/joshuapare/devmem/mem/device"
)

const (
	descAllocated = iota
	descPeak
	descCapacity
	descPools
	descEvents
	descCopies
	descCopiedBytes
)

var descriptors = []*prometheus.Desc{
	descAllocated: prometheus.NewDesc(
		"devmem_allocator_allocated_bytes",
		"Bytes currently handed out by an allocator.",
		[]string{"allocator"},
		nil,
	),
	descPeak: prometheus.NewDesc(
		"devmem_allocator_peak_bytes",
		"Highest number of bytes an allocator has handed out at once.",
		[]string{"allocator"},
		nil,
	),
	descCapacity: prometheus.NewDesc(
		"devmem_allocator_capacity_bytes",
		"Total size of the pools an allocator obtained from its source.",
		[]string{"allocator"},
		nil,
	),
	descPools: prometheus.NewDesc(
		"devmem_allocator_pools",
		"Number of pools an allocator obtained from its source.",
		[]string{"allocator"},
		nil,
	),
	descEvents: prometheus.NewDesc(
		"devmem_allocator_events_total",
		"Allocator events by kind.",
		[]string{"allocator", "event"},
		nil,
	),
	descCopies: prometheus.NewDesc(
		"devmem_device_copies_total",
		"Copies executed by the device copy engine by direction.",
		[]string{"direction"},
		nil,
	),
	descCopiedBytes: prometheus.NewDesc(
		"devmem_device_copied_bytes_total",
		"Bytes moved by the device copy engine.",
		nil,
		nil,
	),
}

// Allocator is the read side of an allocator.
type Allocator interface {
	Name() string
	Allocated() int64
	Peak() int64
	Capacity() int64
	Pools() int
	Stats() alloc.Stats
}

// CopyEngine reports copy counters.
type CopyEngine interface {
	Stats() device.CopyStats
}

// Collector is a prometheus.Collector over a set of allocators and an
// optional copy engine.
type Collector struct {
	allocators []Allocator
	copies     CopyEngine
}

// NewCollector returns a collector. copies may be nil.
func NewCollector(copies CopyEngine, allocators ...Allocator) *Collector {
	return &Collector{allocators: allocators, copies: copies}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, a := range c.allocators {
		for _, m := range collectAllocator(a) {
			ch <- m
		}
	}
	if c.copies != nil {
		for _, m := range collectCopies(c.copies.Stats()) {
			ch <- m
		}
	}
}

func collectAllocator(a Allocator) []prometheus.Metric {
	name := a.Name()
	st := a.Stats()

	metrics := []prometheus.Metric{
		prometheus.MustNewConstMetric(
			descriptors[descAllocated],
			prometheus.GaugeValue,
			float64(a.Allocated()),
			name,
		),
		prometheus.MustNewConstMetric(
			descriptors[descPeak],
			prometheus.GaugeValue,
			float64(a.Peak()),
			name,
		),
		prometheus.MustNewConstMetric(
			descriptors[descCapacity],
			prometheus.GaugeValue,
			float64(a.Capacity()),
			name,
		),
		prometheus.MustNewConstMetric(
			descriptors[descPools],
			prometheus.GaugeValue,
			float64(a.Pools()),
			name,
		),
	}

	for _, ev := range []struct {
		event string
		count int
	}{
		{"alloc", st.Allocs},
		{"release", st.Releases},
		{"invalid_release", st.InvalidReleases},
		{"out_of_memory", st.OutOfMemory},
		{"source_failure", st.SourceFailures},
		{"grow", st.Grows},
		{"extend", st.Extends},
		{"split", st.Splits},
		{"coalesce", st.Coalesces},
	} {
		metrics = append(metrics, prometheus.MustNewConstMetric(
			descriptors[descEvents],
			prometheus.CounterValue,
			float64(ev.count),
			name,
			ev.event,
		))
	}
	return metrics
}

func collectCopies(st device.CopyStats) []prometheus.Metric {
	return []prometheus.Metric{
		prometheus.MustNewConstMetric(
			descriptors[descCopies],
			prometheus.CounterValue,
			float64(st.HostToDevice),
			"host_to_device",
		),
		prometheus.MustNewConstMetric(
			descriptors[descCopies],
			prometheus.CounterValue,
			float64(st.DeviceToHost),
			"device_to_host",
		),
		prometheus.MustNewConstMetric(
			descriptors[descCopies],
			prometheus.CounterValue,
			float64(st.DeviceToDevice),
			"device_to_device",
		),
		prometheus.MustNewConstMetric(
			descriptors[descCopiedBytes],
			prometheus.CounterValue,
			float64(st.Bytes),
		),
	}
}
