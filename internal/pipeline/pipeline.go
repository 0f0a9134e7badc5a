// Package pipeline assembles the feeder from a configuration: it loads the
// corpus through the cache, builds one datafeed per worker and starts the
// feeder. It also hosts the entry point of worker processes.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/spectrofeed/spectrofeed/internal/augment"
	"github.com/spectrofeed/spectrofeed/internal/batch"
	"github.com/spectrofeed/spectrofeed/internal/cache"
	"github.com/spectrofeed/spectrofeed/internal/config"
	"github.com/spectrofeed/spectrofeed/internal/corpus"
	"github.com/spectrofeed/spectrofeed/internal/extract"
	"github.com/spectrofeed/spectrofeed/internal/feeder"
	"github.com/spectrofeed/spectrofeed/internal/spect"
)

// File lists of a dataset.
const (
	TrainList      = "train"
	ValidationList = "valid"
)

// Deps are the replaceable collaborators of a pipeline. Zero values select
// the defaults.
type Deps struct {
	Extractor corpus.Extractor // extract.STFT for the configuration
	Aligner   corpus.Aligner   // corpus.IntervalAligner
	Launcher  Launcher         // the running executable's worker command
	Logger    *log.Logger
}

func (d Deps) withDefaults(cfg config.Config) Deps {
	if d.Extractor == nil {
		d.Extractor = extract.New(cfg)
	}
	if d.Aligner == nil {
		d.Aligner = corpus.IntervalAligner{}
	}
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	return d
}

// Corpus is a loaded dataset and the store backing its spectrograms.
type Corpus struct {
	Store      *cache.Store
	Mode       cache.Mode
	Train      *corpus.Index
	Validation *corpus.Index // nil unless validation is enabled
}

// Close releases the store and every mapping it holds.
func (c *Corpus) Close() error {
	return c.Store.Close()
}

// LoadCorpus loads the training list of the configured dataset, and the
// validation list when cfg.Validation is set.
func LoadCorpus(ctx context.Context, cfg config.Config, deps Deps) (*Corpus, error) {
	deps = deps.withDefaults(cfg)

	mode, err := cache.ParseMode(cfg.LoadSpectra)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	store, err := cache.NewStore(cfg.CacheSpectra, cache.WithLogger(deps.Logger.WithPrefix("cache")))
	if err != nil {
		return nil, err
	}

	c := &Corpus{Store: store, Mode: mode}
	if c.Train, err = loadList(ctx, cfg, c, deps, TrainList); err != nil {
		store.Close()
		return nil, err
	}
	if cfg.Validation {
		if c.Validation, err = loadList(ctx, cfg, c, deps, ValidationList); err != nil {
			store.Close()
			return nil, err
		}
	}
	return c, nil
}

func loadList(ctx context.Context, cfg config.Config, c *Corpus, deps Deps, list string) (*corpus.Index, error) {
	ds := corpus.Dataset{Root: filepath.Join(cfg.DataDir, cfg.Dataset)}
	files, err := ds.ReadFilelist(list)
	if err != nil {
		return nil, err
	}
	return corpus.Load(ctx, corpus.LoadOptions{
		Dataset:       ds,
		Files:         files,
		Store:         c.Store,
		Mode:          c.Mode,
		Extractor:     deps.Extractor,
		Aligner:       deps.Aligner,
		FPS:           cfg.FPS,
		PositiveLabel: cfg.PositiveLabel,
		Workers:       cfg.LoadWorkers,
		Logger:        deps.Logger.WithPrefix(list),
	})
}

// Prefilter reports whether training spectrograms are converted to spline
// coefficients once after loading instead of per batch. This only pays off
// for spectrograms held in memory.
func Prefilter(cfg config.Config, mode cache.Mode) bool {
	return cfg.Augment && cfg.SplineOrder > 1 && mode == cache.ModeMemory
}

// prefilterIndex applies the spline prefilter to every item of idx.
func prefilterIndex(idx *corpus.Index, order int) (*corpus.Index, error) {
	return idx.Map(func(it *corpus.Item) (spect.Array, error) {
		s, ok := it.Spect.(*spect.Spectrogram)
		if !ok {
			return nil, fmt.Errorf("cannot prefilter a %T", it.Spect)
		}
		return augment.PrefilterSpectrogram(s, order), nil
	})
}

// Pipeline is a running feeder over a loaded corpus.
type Pipeline struct {
	*Corpus

	Config config.Config
	Feeder *feeder.Feeder
	Shape  batch.Shape
}

// Open loads the corpus, builds the datafeeds and starts the feeder.
func Open(ctx context.Context, cfg config.Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	deps = deps.withDefaults(cfg)

	c, err := LoadCorpus(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}
	p, err := openWithCorpus(ctx, cfg, c, deps)
	if err != nil {
		c.Close()
		return nil, err
	}
	return p, nil
}

func openWithCorpus(ctx context.Context, cfg config.Config, c *Corpus, deps Deps) (*Pipeline, error) {
	train := c.Train
	prefiltered := Prefilter(cfg, c.Mode)
	if prefiltered {
		var err error
		if train, err = prefilterIndex(train, cfg.SplineOrder); err != nil {
			return nil, err
		}
		deps.Logger.Debug("Prefiltered spectrograms", "items", train.Len(), "order", cfg.SplineOrder)
	}

	if cfg.Processes() && c.Store.Dir() == "" {
		deps.Logger.Warn("Worker processes recompute every spectrogram without cache_spectra")
	}

	feeds, opts, err := Build(cfg, train, prefiltered, deps)
	if err != nil {
		return nil, err
	}
	producers := make([]feeder.Producer, len(feeds))
	for i, d := range feeds {
		producers[i] = d
	}
	f, err := feeder.New(producers, opts)
	if err != nil {
		return nil, err
	}
	if err := f.Start(ctx); err != nil {
		f.Close()
		return nil, err
	}

	deps.Logger.Info("Feeder started",
		"run", f.RunID(),
		"mode", opts.Mode,
		"workers", len(feeds),
		"batch", feeds[0].sampler.BatchSize(),
		"shape", feeds[0].Shape(),
		"queue_depth", opts.QueueDepth)
	return &Pipeline{Corpus: c, Config: cfg, Feeder: f, Shape: feeds[0].Shape()}, nil
}

// Next returns the next batch of the feeder.
func (p *Pipeline) Next(ctx context.Context) (*batch.Batch, error) {
	return p.Feeder.Next(ctx)
}

// Close stops the feeder and releases the corpus.
func (p *Pipeline) Close() error {
	ferr := p.Feeder.Close()
	if err := p.Corpus.Close(); err != nil {
		return err
	}
	return ferr
}
