// Package logger holds the package-global structured logger used by the
// allocator and storage layers.
package logger

import (
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
)

// EnvVar enables stderr logging at the given level when set
// (debug, info, warn, error).
const EnvVar = "DEVMEM_LOG"

// L is the global logger instance. It discards all output unless Init is
// called or EnvVar is set.
var L = fromEnv()

// Options configures the logger initialization.
type Options struct {
	Enabled bool       // If false, all logging is discarded
	Writer  io.Writer  // Destination. Default: os.Stderr
	Level   slog.Level // Minimum log level
	JSON    bool       // JSON handler instead of text
}

// Init replaces the global logger.
func Init(opts Options) {
	if !opts.Enabled {
		L = discard()
		return
	}
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: opts.Level}
	if opts.JSON {
		L = slog.New(slog.NewJSONHandler(w, hopts))
		return
	}
	L = slog.New(slog.NewTextHandler(w, hopts))
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fromEnv() *slog.Logger {
	lvl := os.Getenv(EnvVar)
	if lvl == "" {
		return discard()
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: ParseLevel(lvl)}))
}

func discard() *slog.Logger {
	// Equivalent of slog.DiscardHandler (Go 1.24+): drops output and reports
	// every level as disabled.
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
}
