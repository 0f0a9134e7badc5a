package cache

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spectrofeed/spectrofeed/internal/spect"
)

// readHeader opens path and validates its header against the file size.
// A missing file is reported as fs.ErrNotExist; anything undecodable as
// ErrCorrupted.
func readHeader(path string) (spect.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return spect.Header{}, err
	}
	defer f.Close() //nolint:errcheck

	h, err := spect.ReadHeader(bufio.NewReader(f))
	if err != nil {
		return h, fmt.Errorf("%w: %s: %w", ErrCorrupted, path, err)
	}
	if err := checkSize(f, h, path); err != nil {
		return h, err
	}
	return h, nil
}

// readFile fully decodes the entry at path.
func readFile(path string) (*spect.Spectrogram, error) {
	if _, err := readHeader(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	s, err := spect.ReadNPY(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupted, path, err)
	}
	return s, nil
}

func checkSize(f *os.File, h spect.Header, path string) error {
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if want := h.DataOffset + h.DataSize(); fi.Size() != want {
		return fmt.Errorf("%w: %s: file holds %d bytes, header implies %d", ErrCorrupted, path, fi.Size(), want)
	}
	return nil
}

func mkdirAll(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	return nil
}

// writeFile persists s at path. The data goes to a temporary file in the
// same directory first and is then published atomically. Publishing uses a
// hard link so the first writer wins; concurrent writers computing the same
// key produce identical bytes, so losing the race is not an error.
func writeFile(path string, s *spect.Spectrogram) (int64, error) {
	dir := filepath.Dir(path)
	if err := mkdirAll(dir); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tmp.Name()
	defer os.Remove(tempPath) //nolint:errcheck

	w := bufio.NewWriterSize(tmp, 1<<20)
	n, err := spect.WriteNPY(w, s)
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err != nil {
		return 0, fmt.Errorf("failed to write cache file: %w", err)
	}
	if closeErr != nil {
		return 0, fmt.Errorf("failed to close cache file: %w", closeErr)
	}

	err = os.Link(tempPath, path)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, fs.ErrExist):
		return 0, nil
	}

	// Filesystems without hard links fall back to an atomic rename.
	if err := os.Rename(tempPath, path); err != nil {
		return 0, fmt.Errorf("failed to publish cache file: %w", err)
	}
	return n, nil
}
