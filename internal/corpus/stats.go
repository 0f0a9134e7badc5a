package corpus

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Stats summarizes the items of an index.
type Stats struct {
	Items          int
	Frames         int
	MinFrames      int
	MaxFrames      int
	MeanFrames     float64
	StdFrames      float64
	PositiveRatio  float64
	Eligible       int // items at least as long as the excerpt length passed to Stats
	StartPositions int // valid excerpt start positions over all eligible items
}

// Stats computes length and label statistics. excerpt is the excerpt length
// used to count eligible items; 0 counts every item.
func (x *Index) Stats(excerpt int) Stats {
	st := Stats{Items: len(x.items)}
	if st.Items == 0 {
		return st
	}

	lengths := make([]float64, len(x.items))
	positives := 0
	for i, it := range x.items {
		n := it.Spect.Frames()
		lengths[i] = float64(n)
		for _, l := range it.Labels {
			if l {
				positives++
			}
		}
		if n >= excerpt {
			st.Eligible++
			st.StartPositions += n - excerpt + 1
		}
	}

	st.Frames = int(floats.Sum(lengths))
	st.MinFrames = int(floats.Min(lengths))
	st.MaxFrames = int(floats.Max(lengths))
	if len(lengths) > 1 {
		st.MeanFrames, st.StdFrames = stat.MeanStdDev(lengths, nil)
	} else {
		st.MeanFrames = lengths[0]
	}
	if st.Frames > 0 {
		st.PositiveRatio = float64(positives) / float64(st.Frames)
	}
	return st
}
