package augment

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/spectrofeed/spectrofeed/internal/batch"
)

// ExcerptFrames returns the excerpt length needed to keep keep frames after
// stretching by up to maxStretch. The result exceeds keep by an even number
// so labels can be cropped symmetrically.
func ExcerptFrames(keep int, maxStretch float64) int {
	e := int(math.Ceil(float64(keep)/(1-maxStretch) - 1e-9))
	if e < keep {
		e = keep
	}
	if (e-keep)%2 != 0 {
		e++
	}
	return e
}

// StretchShift resamples every excerpt along time by a random stretch factor
// and along frequency by a random shift, then crops to KeepFrames × KeepBins.
//
// Output frame j samples input time c_in + (j-c_out)/s, where c_in and c_out
// are the centers of the input and output time axes. Output bin k samples
// input bin k-d, or k/(1+d) when ShiftScale is set. Coordinates outside the
// input bins produce zeros and negative interpolation results are clipped.
type StretchShift struct {
	MaxStretch float64
	MaxShift   float64
	ShiftScale bool
	KeepFrames int
	KeepBins   int
	Order      int

	// Prefiltered marks input that already holds spline coefficients, as
	// produced by PrefilterSpectrogram.
	Prefiltered bool
}

// Name implements Transform.
func (t *StretchShift) Name() string { return "stretch-shift" }

// OutShape implements Transform.
func (t *StretchShift) OutShape(in batch.Shape) (batch.Shape, error) {
	switch {
	case t.Order < 0 || t.Order > MaxOrder:
		return in, fmt.Errorf("%w: spline order %d not in [0, %d]", ErrContract, t.Order, MaxOrder)
	case t.MaxStretch < 0 || t.MaxStretch >= 1:
		return in, fmt.Errorf("%w: max stretch %g not in [0, 1)", ErrContract, t.MaxStretch)
	case t.MaxShift < 0 || (t.ShiftScale && t.MaxShift >= 1):
		return in, fmt.Errorf("%w: invalid max shift %g", ErrContract, t.MaxShift)
	case t.KeepFrames < 1 || t.KeepBins < 1:
		return in, fmt.Errorf("%w: keeping %dx%d", ErrContract, t.KeepFrames, t.KeepBins)
	case t.KeepBins > in.Bins:
		return in, fmt.Errorf("%w: keeping %d bins of %d", ErrContract, t.KeepBins, in.Bins)
	case in.Frames < t.KeepFrames || (in.Frames-t.KeepFrames)%2 != 0:
		return in, fmt.Errorf("%w: cannot crop %d frames to %d symmetrically", ErrContract, in.Frames, t.KeepFrames)
	case float64(in.Frames-1)*(1-t.MaxStretch) < float64(t.KeepFrames-1)-1e-9:
		return in, fmt.Errorf("%w: %d frames cannot absorb a stretch of %g keeping %d",
			ErrContract, in.Frames, t.MaxStretch, t.KeepFrames)
	}

	out := batch.Shape{
		Frames:      t.KeepFrames,
		Bins:        t.KeepBins,
		LabelFrames: in.LabelFrames - (in.Frames - t.KeepFrames),
	}
	if out.LabelFrames < 1 {
		return in, fmt.Errorf("%w: cropping %d frames leaves no labels of %d",
			ErrContract, in.Frames-t.KeepFrames, in.LabelFrames)
	}
	return out, nil
}

// Apply implements Transform.
func (t *StretchShift) Apply(rng *rand.Rand, b *batch.Batch) *batch.Batch {
	out, err := t.OutShape(b.Shape)
	if err != nil {
		panic(err)
	}
	res := batch.New(b.Size, out)

	stretch := distuv.Uniform{Min: 1 - t.MaxStretch, Max: 1 + t.MaxStretch, Src: rng}
	shift := distuv.Uniform{Min: -t.MaxShift, Max: t.MaxShift, Src: rng}

	in := b.Shape
	coeff := make([]float64, in.Frames*in.Bins)
	rows := make([]float64, out.Frames*in.Bins)
	crop := (in.Frames - out.Frames) / 2
	for i := 0; i < b.Size; i++ {
		s, d := stretch.Rand(), shift.Rand()
		t.resample(res.Excerpt(i), b.Excerpt(i), in, out, s, d, coeff, rows)
		copy(res.Label(i), b.Label(i)[crop:crop+out.LabelFrames])
	}
	return res
}

func (t *StretchShift) resample(dst, src []float32, in, out batch.Shape, s, d float64, coeff, rows []float64) {
	for i, v := range src {
		coeff[i] = float64(v)
	}
	if !t.Prefiltered {
		prefilter2D(coeff, in.Frames, in.Bins, t.Order)
	}

	// Interpolate along time for every input bin.
	cIn := float64(in.Frames-1) / 2
	cOut := float64(out.Frames-1) / 2
	for j := 0; j < out.Frames; j++ {
		row := rows[j*in.Bins : (j+1)*in.Bins]
		clear(row)
		tp := kernel(cIn+(float64(j)-cOut)/s, in.Frames, t.Order)
		for a, ii := range tp.idx {
			w := tp.w[a]
			if w == 0 {
				continue
			}
			for k, c := range coeff[ii*in.Bins : (ii+1)*in.Bins] {
				row[k] += w * c
			}
		}
	}

	// Then along frequency for every kept bin.
	bins := make([]taps, out.Bins)
	for k := range bins {
		x := float64(k) - d
		if t.ShiftScale {
			x = float64(k) / (1 + d)
		}
		bins[k] = kernel(x, in.Bins, t.Order)
	}
	for j := 0; j < out.Frames; j++ {
		row := rows[j*in.Bins : (j+1)*in.Bins]
		for k, tp := range bins {
			var v float64
			for a, ii := range tp.idx {
				if w := tp.w[a]; w != 0 {
					v += w * row[ii]
				}
			}
			if v < 0 {
				v = 0
			}
			dst[j*out.Bins+k] = float32(v)
		}
	}
}
