package corpus

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/spectrofeed/spectrofeed/internal/cache"
	"github.com/spectrofeed/spectrofeed/internal/config"
	"github.com/spectrofeed/spectrofeed/internal/spect"
)

// Extractor computes the spectrogram of an audio file.
type Extractor interface {
	Extract(path string) (*spect.Spectrogram, error)

	// Params renders every parameter that affects the output.
	Params() string
}

// Dataset locates the files of a dataset:
//
//	<Root>/filelists/<name>
//	<Root>/audio/<file>
//	<Root>/labels/<file without extension>.lab
type Dataset struct {
	Root string
}

// FilelistPath returns the path of the named file list.
func (d Dataset) FilelistPath(name string) string {
	return filepath.Join(d.Root, "filelists", name)
}

// AudioPath returns the path of an audio file.
func (d Dataset) AudioPath(file string) string {
	return filepath.Join(d.Root, "audio", filepath.FromSlash(file))
}

// LabelPath returns the path of the label file belonging to an audio file.
func (d Dataset) LabelPath(file string) string {
	base := strings.TrimSuffix(file, filepath.Ext(file))
	return filepath.Join(d.Root, "labels", filepath.FromSlash(base)+".lab")
}

// ReadFilelist returns the non-empty lines of the named file list.
func (d Dataset) ReadFilelist(name string) ([]string, error) {
	f, err := os.Open(d.FilelistPath(name))
	if err != nil {
		return nil, fmt.Errorf("%w: unable to open file list: %w", config.ErrConfiguration, err)
	}
	defer f.Close() //nolint:errcheck

	var files []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), " \t\r"); line != "" {
			files = append(files, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading file list %s: %w", name, err)
	}
	return files, nil
}

// LoadOptions configures Load.
type LoadOptions struct {
	Dataset   Dataset
	Files     []string
	Store     *cache.Store
	Mode      cache.Mode
	Extractor Extractor
	Aligner   Aligner // IntervalAligner when nil

	FPS           int
	PositiveLabel string
	Workers       int
	Logger        *log.Logger
}

// Load fetches the spectrogram of every file through the store and aligns
// its labels. Items keep the order of Files.
func Load(ctx context.Context, opts LoadOptions) (*Index, error) {
	if opts.Store == nil || opts.Extractor == nil {
		return nil, fmt.Errorf("%w: corpus loading needs a store and an extractor", config.ErrConfiguration)
	}
	if opts.FPS <= 0 {
		return nil, fmt.Errorf("%w: fps must be positive", config.ErrConfiguration)
	}
	if opts.Aligner == nil {
		opts.Aligner = IntervalAligner{}
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	start := time.Now()
	params := opts.Extractor.Params()
	items := make([]*Item, len(opts.Files))
	progress := rate.Sometimes{First: 1, Interval: 2 * time.Second}
	var done atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, file := range opts.Files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			audio := opts.Dataset.AudioPath(file)
			arr, err := opts.Store.Fetch(
				cache.Key{Item: file, Params: params},
				func() (*spect.Spectrogram, error) { return opts.Extractor.Extract(audio) },
				opts.Mode,
			)
			if err != nil {
				return fmt.Errorf("loading %s: %w", file, err)
			}

			segs, err := ReadLabelFile(opts.Dataset.LabelPath(file), opts.PositiveLabel)
			if err != nil {
				return err
			}
			items[i] = &Item{
				ID:     file,
				Spect:  arr,
				Labels: opts.Aligner.Align(segs, FrameTimes(arr.Frames(), opts.FPS)),
			}

			n := done.Add(1)
			progress.Do(func() {
				logger.Info("Loading spectra", "done", n, "total", len(opts.Files))
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	idx, err := NewIndex(items)
	if err != nil {
		return nil, err
	}
	st := opts.Store.Stats()
	logger.Info("Loaded corpus",
		"items", idx.Len(),
		"mode", opts.Mode,
		"computed", st.Computes,
		"took", time.Since(start).Round(time.Millisecond))
	return idx, nil
}
