package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spectrofeed/spectrofeed/internal/spect"
)

// Common errors for cache operations
var (
	// ErrCorrupted is returned when a persisted entry cannot be decoded.
	// Corrupted entries are reported, never silently recomputed.
	ErrCorrupted = errors.New("cache entry corrupted")

	// ErrClosed is returned by Fetch after Close.
	ErrClosed = errors.New("cache store closed")

	// ErrInvalidKey is returned for keys that would escape the cache directory.
	ErrInvalidKey = errors.New("invalid cache key")
)

// Mode selects how Fetch serves an entry.
type Mode int

const (
	// ModeMemory materializes the array and retains it for the session.
	ModeMemory Mode = iota

	// ModeMmap returns a read-only view backed by the on-disk file.
	ModeMmap

	// ModeOnDemand re-reads the file on every access and retains nothing.
	ModeOnDemand
)

// String returns the canonical name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeMemory:
		return "memory"
	case ModeMmap:
		return "memmap"
	case ModeOnDemand:
		return "on-demand"
	default:
		return "unknown"
	}
}

// NeedsDir reports whether the mode requires a backing directory.
func (m Mode) NeedsDir() bool {
	return m == ModeMmap || m == ModeOnDemand
}

// ParseMode accepts both the short and the descriptive mode names.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "memory", "in-memory":
		return ModeMemory, nil
	case "memmap", "mmap", "memory-mapped":
		return ModeMmap, nil
	case "on-demand", "ondemand":
		return ModeOnDemand, nil
	default:
		return ModeMemory, fmt.Errorf("unknown cache mode %q", s)
	}
}

// ComputeFunc produces the value for a missing entry.
type ComputeFunc func() (*spect.Spectrogram, error)

// Key identifies a cache entry: one dataset item under one set of
// extraction parameters.
type Key struct {
	Item   string // item identifier, usually the source file name
	Params string // canonical rendering of the extraction parameters
}

// String returns the key in "item|params" form.
func (k Key) String() string {
	return k.Item + "|" + k.Params
}

// fileName returns the entry's file name relative to the cache directory.
// Keys without parameters map to "<item>.npy".
func (k Key) fileName() string {
	if k.Params == "" {
		return k.Item + ".npy"
	}
	hash := sha256.Sum256([]byte(k.Params))
	return k.Item + "." + hex.EncodeToString(hash[:6]) + ".npy"
}

// Stats holds cache performance metrics
type Stats struct {
	Hits         int64 // entries served without computing
	Misses       int64 // entries that had to be computed
	Computes     int64 // compute calls that succeeded
	Retained     int64 // arrays held in memory
	Mapped       int64 // live memory mappings
	BytesWritten int64 // bytes persisted to disk
	BytesMapped  int64 // bytes currently mapped
	BytesHeld    int64 // bytes retained in memory

	LastAccess time.Time
}

// HitRate returns hits / (hits + misses).
func (s Stats) HitRate() float64 {
	if s.Hits+s.Misses == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Hits+s.Misses)
}
