//go:build !unix

// Package mmap provides platform-specific anonymous mappings for pinned
// host memory.
package mmap

import "fmt"

// Anon falls back to Go heap memory when mmap is not available. The pages
// are never locked.
func Anon(size int, lock bool) ([]byte, bool, func() error, error) {
	if size <= 0 {
		return nil, false, nil, fmt.Errorf("mmap: invalid size %d", size)
	}
	return make([]byte, size), false, func() error { return nil }, nil
}
