package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spectrofeed/spectrofeed/internal/spect"
)

// onDemand is a handle to a persisted entry that holds no data. Every
// ReadWindow opens the file and reads just the requested rows.
type onDemand struct {
	store   *Store
	key     Key
	compute ComputeFunc
	path    string
	frames  int
	bins    int
}

func (o *onDemand) Frames() int { return o.frames }

func (o *onDemand) Bins() int { return o.bins }

func (o *onDemand) ReadWindow(dst []float32, start, n, bins int) error {
	if err := spect.CheckWindow(o, start, n, bins, len(dst)); err != nil {
		return err
	}

	f, h, err := o.open()
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	rowBytes := int64(o.bins) * 4
	raw := make([]byte, int64(n)*rowBytes)
	if _, err := f.ReadAt(raw, h.DataOffset+int64(start)*rowBytes); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %s: short read", ErrCorrupted, o.path)
		}
		return err
	}

	if bins == o.bins {
		spect.DecodeRows(dst[:n*bins], raw)
		return nil
	}
	for i := 0; i < n; i++ {
		row := raw[int64(i)*rowBytes:]
		spect.DecodeRows(dst[i*bins:(i+1)*bins], row[:bins*4])
	}
	return nil
}

// open returns the entry's file positioned anywhere, recomputing and
// republishing it when it has been removed since the handle was created.
func (o *onDemand) open() (*os.File, spect.Header, error) {
	h, err := readHeader(o.path)
	if errors.Is(err, fs.ErrNotExist) {
		o.store.logger.Debug("Cache entry vanished, recomputing", "item", o.key.Item)
		h, err = o.store.ensureFile(o.key, o.compute)
	}
	if err != nil {
		return nil, h, err
	}
	if h.Shape[0] != o.frames || h.Shape[1] != o.bins || h.Descr != "<f4" {
		return nil, h, fmt.Errorf("%w: %s: shape changed to %v", ErrCorrupted, o.path, h.Shape)
	}

	f, err := os.Open(o.path)
	if err != nil {
		return nil, h, err
	}
	return f, h, nil
}
