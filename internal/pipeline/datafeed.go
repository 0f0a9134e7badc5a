package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/spectrofeed/spectrofeed/internal/augment"
	"github.com/spectrofeed/spectrofeed/internal/batch"
	"github.com/spectrofeed/spectrofeed/internal/config"
	"github.com/spectrofeed/spectrofeed/internal/corpus"
	"github.com/spectrofeed/spectrofeed/internal/feeder"
	"github.com/spectrofeed/spectrofeed/internal/sampler"
)

// Datafeed produces the batches of one worker: random excerpts, stretched,
// shifted and filtered when augmentation is enabled. It owns its random
// generator, seeded from the run seed and the worker index.
type Datafeed struct {
	index    int
	cfg      config.Config
	sampler  *sampler.Sampler
	chain    *augment.Chain // nil without augmentation
	rng      *rand.Rand
	launcher Launcher
}

// Build returns one datafeed per worker and the matching feeder options.
// prefiltered states that the spectrograms of idx already hold spline
// coefficients.
func Build(cfg config.Config, idx *corpus.Index, prefiltered bool, deps Deps) ([]*Datafeed, feeder.Options, error) {
	deps = deps.withDefaults(cfg)

	opts := feeder.Options{
		Mode:       feeder.ModeSync,
		QueueDepth: cfg.PerWorkerQueueDepth(),
		Compress:   cfg.WireCompression,
		Logger:     deps.Logger,
	}
	switch {
	case cfg.Processes():
		opts.Mode = feeder.ModeProcesses
	case cfg.Background():
		opts.Mode = feeder.ModeThreads
	}

	feeds := make([]*Datafeed, cfg.Workers())
	for i := range feeds {
		d, err := newDatafeed(cfg, idx, i, prefiltered)
		if err != nil {
			return nil, opts, err
		}
		d.launcher = deps.Launcher
		feeds[i] = d
	}
	return feeds, opts, nil
}

func newDatafeed(cfg config.Config, idx *corpus.Index, index int, prefiltered bool) (*Datafeed, error) {
	weighting, err := sampler.ParseWeighting(cfg.Sampling)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, uint64(index)))

	d := &Datafeed{index: index, cfg: cfg, rng: rng}
	if !cfg.Augment {
		d.sampler, err = sampler.New(idx, sampler.Options{
			BatchSize: cfg.BatchSize,
			Frames:    cfg.Blocklen,
			Bins:      cfg.KeepBins(),
			Margin:    cfg.LabelMargin(),
			Weighting: weighting,
		}, rng)
		return d, err
	}

	// Longer excerpts absorb the time stretch. Their label windows are
	// longer by the same amount and get center-cropped with the frames.
	d.sampler, err = sampler.New(idx, sampler.Options{
		BatchSize: cfg.BatchSize,
		Frames:    augment.ExcerptFrames(cfg.Blocklen, cfg.MaxStretch),
		Margin:    cfg.LabelMargin(),
		Weighting: weighting,
	}, rng)
	if err != nil {
		return nil, err
	}

	stages := []augment.Transform{&augment.StretchShift{
		MaxStretch:  cfg.MaxStretch,
		MaxShift:    cfg.MaxShift,
		ShiftScale:  cfg.ShiftScale,
		KeepFrames:  cfg.Blocklen,
		KeepBins:    cfg.KeepBins(),
		Order:       cfg.SplineOrder,
		Prefiltered: prefiltered,
	}}
	if cfg.MaxDB > 0 {
		stages = append(stages, augment.NewSpectralFilter(cfg.MelMax, cfg.MaxDB))
	}
	if d.chain, err = augment.NewChain(d.sampler.Shape(), stages...); err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	return d, nil
}

// Shape returns the shape of the emitted batches.
func (d *Datafeed) Shape() batch.Shape {
	if d.chain != nil {
		return d.chain.Out()
	}
	return d.sampler.Shape()
}

// Produce implements feeder.Producer.
func (d *Datafeed) Produce(ctx context.Context) (*batch.Batch, error) {
	b, err := d.sampler.Produce(ctx)
	if err != nil {
		return nil, err
	}
	if d.chain != nil {
		b = d.chain.Apply(d.rng, b)
	}
	return b, nil
}

// WorkerSpec is everything a worker process needs to rebuild its datafeed.
type WorkerSpec struct {
	Config config.Config `json:"config"`
	Index  int           `json:"index"`
}

// Launcher describes the command that runs RunWorker. The zero value runs
// the current executable with the "worker" argument.
type Launcher struct {
	Path string
	Args []string
	Env  []string
}

// Command implements feeder.Transferable.
func (d *Datafeed) Command(index int) (feeder.Command, error) {
	payload, err := json.Marshal(WorkerSpec{Config: d.cfg, Index: index})
	if err != nil {
		return feeder.Command{}, err
	}

	l := d.launcher
	if l.Path == "" {
		exe, err := os.Executable()
		if err != nil {
			return feeder.Command{}, fmt.Errorf("unable to locate executable: %w", err)
		}
		l.Path = exe
		l.Args = []string{"worker"}
	}
	return feeder.Command{Path: l.Path, Args: l.Args, Env: l.Env, Stdin: payload}, nil
}
