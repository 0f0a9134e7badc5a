//go:build !unix

package cache

import "os"

// mapFile falls back to reading the whole entry on platforms without mmap.
// The returned slice is still treated as read-only.
func mapFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func unmapFile([]byte) error { return nil }
