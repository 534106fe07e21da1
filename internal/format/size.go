package format

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Size rounding for the block sub-allocator.
// All requests are rounded with ceiling division against a granularity.

const (
	// BlockGranularity is the default rounding unit for client block requests.
	BlockGranularity = 512

	// PoolGranularity is the default rounding unit for coarse pool requests
	// sent to the underlying memory primitive. Much larger than
	// BlockGranularity to keep primitive calls rare.
	PoolGranularity = 128 * 1024

	// MinOffloadSize is the default size below which unforced offloads are skipped.
	MinOffloadSize = 4 * 1024 * 1024

	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

// CeilTo returns n rounded up to the next multiple of granularity.
// A granularity <= 1 returns n unchanged.
//
// Example:
//
//	CeilTo(1, 512)   = 512
//	CeilTo(512, 512) = 512
//	CeilTo(513, 512) = 1024
func CeilTo(n, granularity int64) int64 {
	if granularity <= 1 {
		return n
	}
	return (n + granularity - 1) / granularity * granularity
}

var printer = message.NewPrinter(language.English)

// HumanSize renders a byte count the way allocator reports print it:
// the exact count with digit grouping, followed by an approximate KB/MB
// figure for anything above one kilobyte.
//
//	HumanSize(512)     = "512B"
//	HumanSize(4096)    = "4,096B(~4KB)"
//	HumanSize(3145728) = "3,145,728B(~3MB)"
func HumanSize(n int64) string {
	s := printer.Sprintf("%dB", n)
	switch {
	case n <= KiB:
		return s
	case n < MiB:
		return s + printer.Sprintf("(~%dKB)", n/KiB)
	default:
		return s + printer.Sprintf("(~%dMB)", n/MiB)
	}
}
