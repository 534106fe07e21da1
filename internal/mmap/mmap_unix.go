//go:build unix

// Package mmap provides platform-specific anonymous mappings for pinned
// host memory.
package mmap

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Anon maps size bytes of private anonymous read-write memory. When lock is
// set the pages are locked into RAM; a refused lock (RLIMIT_MEMLOCK) leaves
// the mapping usable and reports locked=false.
func Anon(size int, lock bool) (data []byte, locked bool, release func() error, err error) {
	if size <= 0 {
		return nil, false, nil, fmt.Errorf("mmap: invalid size %d", size)
	}
	data, err = unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, false, nil, fmt.Errorf("mmap: %d bytes: %w", size, err)
	}
	if lock {
		locked = unix.Mlock(data) == nil
	}

	mapped := data
	release = func() error {
		if mapped == nil {
			return nil
		}
		if locked {
			_ = unix.Munlock(mapped)
		}
		err := unix.Munmap(mapped)
		if errors.Is(err, unix.EINVAL) {
			// Treat double-unmap as no-op for callers.
			err = nil
		}
		mapped = nil
		return err
	}
	return data, locked, release, nil
}
