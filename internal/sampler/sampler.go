// Package sampler draws random fixed-length excerpts from a corpus.
package sampler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/spectrofeed/spectrofeed/internal/batch"
	"github.com/spectrofeed/spectrofeed/internal/config"
	"github.com/spectrofeed/spectrofeed/internal/corpus"
)

// Weighting selects how items are chosen.
type Weighting int

const (
	// WeightByPositions picks items in proportion to their number of valid
	// start positions, so every (item, start) pair is equally likely.
	WeightByPositions Weighting = iota

	// WeightUniform picks every eligible item with equal probability.
	WeightUniform
)

func (w Weighting) String() string {
	switch w {
	case WeightByPositions:
		return config.SamplingPositions
	case WeightUniform:
		return config.SamplingUniform
	default:
		return "unknown"
	}
}

// ParseWeighting parses a sampling strategy name.
func ParseWeighting(s string) (Weighting, error) {
	switch strings.ToLower(s) {
	case "", config.SamplingPositions:
		return WeightByPositions, nil
	case config.SamplingUniform:
		return WeightUniform, nil
	default:
		return WeightByPositions, fmt.Errorf("%w: unknown sampling %q", config.ErrConfiguration, s)
	}
}

// Options configures a Sampler.
type Options struct {
	BatchSize int
	Frames    int // excerpt length
	Bins      int // leading bins to keep; 0 keeps all bins of the narrowest item
	Margin    int // label frames trimmed on each side
	Weighting Weighting
}

// Sampler produces an endless sequence of batches of random excerpts. A
// Sampler is owned by a single goroutine.
type Sampler struct {
	opts   Options
	shape  batch.Shape
	items  []*corpus.Item
	pick   sampleuv.Weighted
	weight []float64
	rng    *rand.Rand
}

// New returns a sampler over the items of idx that are at least
// opts.Frames long. All randomness comes from rng.
func New(idx *corpus.Index, opts Options, rng *rand.Rand) (*Sampler, error) {
	if rng == nil {
		return nil, fmt.Errorf("%w: sampler needs a random generator", config.ErrConfiguration)
	}
	if opts.BatchSize < 1 || opts.Frames < 1 {
		return nil, fmt.Errorf("%w: batch size %d and excerpt length %d must be positive",
			config.ErrConfiguration, opts.BatchSize, opts.Frames)
	}
	if opts.Margin < 0 || 2*opts.Margin >= opts.Frames {
		return nil, fmt.Errorf("%w: margin %d leaves no label frames of %d",
			config.ErrConfiguration, opts.Margin, opts.Frames)
	}

	s := &Sampler{opts: opts, rng: rng}
	minBins := 0
	for _, it := range idx.Items() {
		if it.Spect.Frames() < opts.Frames {
			continue
		}
		s.items = append(s.items, it)
		s.weight = append(s.weight, float64(it.Spect.Frames()-opts.Frames+1))
		if b := it.Spect.Bins(); minBins == 0 || b < minBins {
			minBins = b
		}
	}
	if len(s.items) == 0 {
		return nil, fmt.Errorf("%w: no corpus item has at least %d frames", config.ErrConfiguration, opts.Frames)
	}

	bins := opts.Bins
	if bins == 0 {
		bins = minBins
	}
	if bins > minBins || bins < 1 {
		return nil, fmt.Errorf("%w: %d bins requested, narrowest eligible item has %d",
			config.ErrConfiguration, bins, minBins)
	}
	s.opts.Bins = bins

	s.shape = batch.Shape{Frames: opts.Frames, Bins: bins, LabelFrames: opts.Frames - 2*opts.Margin}
	if opts.Weighting == WeightByPositions {
		s.pick = sampleuv.NewWeighted(s.weight, rng)
	}
	return s, nil
}

// Shape returns the shape of produced batches.
func (s *Sampler) Shape() batch.Shape {
	return s.shape
}

// BatchSize returns the number of excerpts per batch.
func (s *Sampler) BatchSize() int {
	return s.opts.BatchSize
}

// Eligible returns the number of items long enough to sample from.
func (s *Sampler) Eligible() int {
	return len(s.items)
}

// Draw picks an item and a start frame.
func (s *Sampler) Draw() (item, start int) {
	if s.opts.Weighting == WeightUniform {
		item = s.rng.IntN(len(s.items))
	} else {
		var ok bool
		item, ok = s.pick.Take()
		if !ok {
			panic("sampler: weighted choice exhausted")
		}
		// Take removes the item; put it back for sampling with replacement.
		s.pick.Reweight(item, s.weight[item])
	}
	start = s.rng.IntN(s.items[item].Spect.Frames() - s.opts.Frames + 1)
	return item, start
}

// Next assembles a fresh batch of independent draws.
func (s *Sampler) Next() (*batch.Batch, error) {
	b := batch.New(s.opts.BatchSize, s.shape)
	margin := s.opts.Margin
	for i := 0; i < s.opts.BatchSize; i++ {
		idx, start := s.Draw()
		it := s.items[idx]
		if err := it.Spect.ReadWindow(b.Excerpt(i), start, s.opts.Frames, s.shape.Bins); err != nil {
			return nil, fmt.Errorf("reading excerpt of %s at frame %d: %w", it.ID, start, err)
		}
		copy(b.Label(i), it.Labels[start+margin:start+s.opts.Frames-margin])
	}
	return b, nil
}

// Produce implements the feeder's producer contract.
func (s *Sampler) Produce(ctx context.Context) (*batch.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Next()
}
