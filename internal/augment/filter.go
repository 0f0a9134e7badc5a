package augment

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/spectrofeed/spectrofeed/internal/batch"
)

// SpectralFilter multiplies every excerpt by a random Gaussian gain bump
// over frequency. Each excerpt draws its own filter: a center pitch
// uniform on a log-frequency scale between MinFreq and MaxFreq, a width in
// semitones between MinStd and MaxStd, and a peak gain uniform in
// [-MaxDB, MaxDB] decibels. The bins of a batch are assumed to span
// [0, MaxFreq) linearly.
type SpectralFilter struct {
	MaxFreq float64
	MaxDB   float64
	MinFreq float64
	MinStd  float64
	MaxStd  float64
}

// NewSpectralFilter returns a filter with a lowest center of 150 Hz and
// widths of 5 to 7 semitones.
func NewSpectralFilter(maxFreq, maxDB float64) *SpectralFilter {
	return &SpectralFilter{
		MaxFreq: maxFreq,
		MaxDB:   maxDB,
		MinFreq: 150,
		MinStd:  5,
		MaxStd:  7,
	}
}

// Name implements Transform.
func (f *SpectralFilter) Name() string { return "spectral-filter" }

// OutShape implements Transform.
func (f *SpectralFilter) OutShape(in batch.Shape) (batch.Shape, error) {
	switch {
	case f.MaxDB < 0:
		return in, fmt.Errorf("%w: max dB %g is negative", ErrContract, f.MaxDB)
	case f.MinFreq <= 0 || f.MaxFreq <= f.MinFreq:
		return in, fmt.Errorf("%w: frequency range [%g, %g] Hz", ErrContract, f.MinFreq, f.MaxFreq)
	case f.MinStd <= 0 || f.MaxStd < f.MinStd:
		return in, fmt.Errorf("%w: width range [%g, %g] semitones", ErrContract, f.MinStd, f.MaxStd)
	}
	return in, nil
}

// Apply implements Transform.
func (f *SpectralFilter) Apply(rng *rand.Rand, b *batch.Batch) *batch.Batch {
	res := batch.New(b.Size, b.Shape)
	copy(res.Labels, b.Labels)

	pitch := distuv.Uniform{Min: 12 * math.Log2(f.MinFreq), Max: 12 * math.Log2(f.MaxFreq), Src: rng}
	width := distuv.Uniform{Min: f.MinStd, Max: f.MaxStd, Src: rng}
	strength := distuv.Uniform{Min: -f.MaxDB, Max: f.MaxDB, Src: rng}

	bins := b.Shape.Bins
	binsPerHz := float64(bins) / f.MaxFreq
	gain := make([]float64, bins)
	for i := 0; i < b.Size; i++ {
		mean, std, db := pitch.Rand(), width.Rand(), strength.Rand()
		f.gains(gain,
			math.Exp2(mean/12)*binsPerHz,
			(math.Exp2((mean+std)/12)-math.Exp2(mean/12))*binsPerHz,
			db)

		src, dst := b.Excerpt(i), res.Excerpt(i)
		for j := 0; j < b.Shape.Frames; j++ {
			row := src[j*bins : (j+1)*bins]
			out := dst[j*bins : (j+1)*bins]
			for k, v := range row {
				out[k] = float32(float64(v) * gain[k])
			}
		}
	}
	return res
}

// gains fills dst with the linear factors of a Gaussian bump of db decibels
// centered on bin mean with a standard deviation of std bins.
func (f *SpectralFilter) gains(dst []float64, mean, std, db float64) {
	if len(dst) == 1 {
		dst[0] = 0
	} else {
		floats.Span(dst, 0, float64(len(dst)-1))
	}
	floats.AddConst(-mean, dst)
	floats.Scale(1/std, dst)
	for k, x := range dst {
		dst[k] = math.Pow(10, db*math.Exp(-0.5*x*x)/20)
	}
}
