package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/spectrofeed/spectrofeed/internal/config"
	"github.com/spectrofeed/spectrofeed/internal/spect"
)

// Store memoizes spectrograms to a directory of .npy files. A Store without
// a directory only supports ModeMemory and acts as an in-process memo.
//
// The on-disk layout is append-only per key: entries are published once and
// never rewritten in place, so several processes may share a directory.
type Store struct {
	dir    string
	logger *log.Logger

	mu       sync.Mutex
	memory   map[Key]*spect.Spectrogram
	mappings map[Key]*mapping
	closed   bool
	stats    Stats

	// Collapses concurrent misses for the same key into one computation.
	flight singleflight.Group
}

// mapping is a live read-only memory mapping and the view aliasing it.
type mapping struct {
	raw  []byte
	view *spect.Spectrogram
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for cache activity.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a store backed by dir. An empty dir disables persistence.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if dir != "" {
		if err := mkdirAll(dir); err != nil {
			return nil, err
		}
	}

	s := &Store{
		dir:      dir,
		logger:   log.Default(),
		memory:   make(map[Key]*spect.Spectrogram),
		mappings: make(map[Key]*mapping),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the backing directory, or "" when persistence is disabled.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file backing key. It is empty without a directory.
func (s *Store) Path(key Key) string {
	if s.dir == "" {
		return ""
	}
	return filepath.Join(s.dir, filepath.FromSlash(key.fileName()))
}

// Fetch returns the array for key, computing and persisting it on a miss.
// When a persisted entry exists compute is not called.
func (s *Store) Fetch(key Key, compute ComputeFunc, mode Mode) (spect.Array, error) {
	if mode.NeedsDir() && s.dir == "" {
		return nil, fmt.Errorf("%w: cache mode %s requires a cache directory", config.ErrConfiguration, mode)
	}
	if key.Item == "" || !filepath.IsLocal(filepath.FromSlash(key.fileName())) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key.Item)
	}

	s.mu.Lock()
	closed := s.closed
	s.stats.LastAccess = time.Now()
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	switch mode {
	case ModeMemory:
		return s.fetchMemory(key, compute)
	case ModeMmap:
		return s.fetchMapped(key, compute)
	case ModeOnDemand:
		return s.fetchOnDemand(key, compute)
	default:
		return nil, fmt.Errorf("%w: unknown cache mode %d", config.ErrConfiguration, mode)
	}
}

func (s *Store) fetchMemory(key Key, compute ComputeFunc) (spect.Array, error) {
	if sp, ok := s.retained(key); ok {
		s.hit()
		return sp, nil
	}

	v, err, _ := s.flight.Do("memory:"+key.String(), func() (interface{}, error) {
		if sp, ok := s.retained(key); ok {
			s.hit()
			return sp, nil
		}

		if s.dir != "" {
			sp, err := readFile(s.Path(key))
			switch {
			case err == nil:
				s.hit()
				if !s.retain(key, sp) {
					return nil, ErrClosed
				}
				return sp, nil
			case !errors.Is(err, fs.ErrNotExist):
				return nil, err
			}
		}

		sp, err := s.materialize(key, compute)
		if err != nil {
			return nil, err
		}
		if !s.retain(key, sp) {
			return nil, ErrClosed
		}
		return sp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*spect.Spectrogram), nil
}

func (s *Store) fetchMapped(key Key, compute ComputeFunc) (spect.Array, error) {
	s.mu.Lock()
	if m, ok := s.mappings[key]; ok {
		s.stats.Hits++
		s.mu.Unlock()
		return m.view, nil
	}
	s.mu.Unlock()

	v, err, _ := s.flight.Do("mmap:"+key.String(), func() (interface{}, error) {
		s.mu.Lock()
		if m, ok := s.mappings[key]; ok {
			s.mu.Unlock()
			return m.view, nil
		}
		s.mu.Unlock()

		if _, err := s.ensureFile(key, compute); err != nil {
			return nil, err
		}

		path := s.Path(key)
		raw, err := mapFile(path)
		if err != nil {
			return nil, err
		}
		view, _, err := spect.View(raw)
		if err != nil {
			_ = unmapFile(raw)
			return nil, fmt.Errorf("%w: %s: %w", ErrCorrupted, path, err)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			_ = unmapFile(raw)
			return nil, ErrClosed
		}
		s.mappings[key] = &mapping{raw: raw, view: view}
		s.stats.Mapped++
		s.stats.BytesMapped += int64(len(raw))
		return view, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*spect.Spectrogram), nil
}

func (s *Store) fetchOnDemand(key Key, compute ComputeFunc) (spect.Array, error) {
	v, err, _ := s.flight.Do("on-demand:"+key.String(), func() (interface{}, error) {
		return s.ensureFile(key, compute)
	})
	if err != nil {
		return nil, err
	}

	h := v.(spect.Header)
	if h.Descr != "<f4" {
		return nil, fmt.Errorf("%w: %s: on-demand access needs float32 data, got %s", ErrCorrupted, s.Path(key), h.Descr)
	}
	return &onDemand{
		store:   s,
		key:     key,
		compute: compute,
		path:    s.Path(key),
		frames:  h.Shape[0],
		bins:    h.Shape[1],
	}, nil
}

// ensureFile makes sure a valid entry for key exists on disk and returns
// its header, computing and persisting the value if the file is missing.
func (s *Store) ensureFile(key Key, compute ComputeFunc) (spect.Header, error) {
	path := s.Path(key)
	h, err := readHeader(path)
	if err == nil {
		s.hit()
		return h, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return h, err
	}

	if _, err := s.materialize(key, compute); err != nil {
		return spect.Header{}, err
	}
	return readHeader(path)
}

// materialize runs compute and persists the result when a directory is set.
// Nothing is written if compute fails.
func (s *Store) materialize(key Key, compute ComputeFunc) (*spect.Spectrogram, error) {
	s.mu.Lock()
	s.stats.Misses++
	s.mu.Unlock()

	if compute == nil {
		return nil, fmt.Errorf("no entry for %s and nothing to compute it with", key.Item)
	}

	start := time.Now()
	sp, err := compute()
	if err != nil {
		return nil, fmt.Errorf("computing %s: %w", key.Item, err)
	}
	if sp == nil || len(sp.Data) != sp.T*sp.F {
		return nil, fmt.Errorf("computing %s: invalid spectrogram", key.Item)
	}

	s.mu.Lock()
	s.stats.Computes++
	s.mu.Unlock()

	if s.dir == "" {
		return sp, nil
	}

	n, err := writeFile(s.Path(key), sp)
	if err != nil {
		return nil, fmt.Errorf("persisting %s: %w", key.Item, err)
	}

	s.mu.Lock()
	s.stats.BytesWritten += n
	s.mu.Unlock()

	s.logger.Debug("Computed cache entry",
		"item", key.Item,
		"shape", fmt.Sprintf("%dx%d", sp.T, sp.F),
		"size", humanize.IBytes(uint64(sp.SizeBytes())),
		"took", time.Since(start))
	return sp, nil
}

func (s *Store) retained(key Key) (*spect.Spectrogram, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.memory[key]
	return sp, ok
}

// retain keeps sp for the session. It reports false once the store is
// closed.
func (s *Store) retain(key Key, sp *spect.Spectrogram) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.memory[key]; ok {
		return true
	}
	s.memory[key] = sp
	s.stats.Retained++
	s.stats.BytesHeld += sp.SizeBytes()
	return true
}

func (s *Store) hit() {
	s.mu.Lock()
	s.stats.Hits++
	s.mu.Unlock()
}

// Stats returns cache statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close releases retained arrays and unmaps every mapping. Views returned
// by ModeMmap fetches must not be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for key, m := range s.mappings {
		if err := unmapFile(m.raw); err != nil {
			errs = append(errs, fmt.Errorf("unmap %s: %w", key.Item, err))
		}
	}
	s.mappings = nil
	s.memory = nil

	if len(errs) > 0 {
		s.logger.Debug("Cache close reported errors",
			"errors", len(errs),
			"mapped", humanize.IBytes(uint64(s.stats.BytesMapped)))
	}
	return errors.Join(errs...)
}
