// Package batch defines the unit of production and consumption of the feeder.
package batch

import (
	"errors"
	"fmt"
	"math"
)

// ErrShape is returned when a batch or shape is inconsistent.
var ErrShape = errors.New("batch shape mismatch")

// Shape is the per-excerpt geometry of a batch.
type Shape struct {
	Frames      int // frames per excerpt
	Bins        int // feature bins per frame
	LabelFrames int // frames per label window
}

// Margin returns the number of frames trimmed from each side of the
// label window relative to its excerpt.
func (s Shape) Margin() int {
	return (s.Frames - s.LabelFrames) / 2
}

// Validate checks that the shape is usable.
func (s Shape) Validate() error {
	switch {
	case s.Frames <= 0 || s.Bins <= 0:
		return fmt.Errorf("%w: %s has an empty dimension", ErrShape, s)
	case s.LabelFrames <= 0 || s.LabelFrames > s.Frames:
		return fmt.Errorf("%w: %s label window must be within the excerpt", ErrShape, s)
	case (s.Frames-s.LabelFrames)%2 != 0:
		return fmt.Errorf("%w: %s margin is not symmetric", ErrShape, s)
	}
	return nil
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%d/%d", s.Frames, s.Bins, s.LabelFrames)
}

// Batch holds Size excerpts and their label windows, row-major.
// A batch handed to a consumer must not be modified by its producer.
type Batch struct {
	Size   int
	Shape  Shape
	Data   []float32 // Size × Frames × Bins
	Labels []bool    // Size × LabelFrames
}

// New allocates a zeroed batch.
func New(size int, shape Shape) *Batch {
	return &Batch{
		Size:   size,
		Shape:  shape,
		Data:   make([]float32, size*shape.Frames*shape.Bins),
		Labels: make([]bool, size*shape.LabelFrames),
	}
}

// Excerpt returns excerpt i as a Frames × Bins row-major slice.
func (b *Batch) Excerpt(i int) []float32 {
	n := b.Shape.Frames * b.Shape.Bins
	return b.Data[i*n : (i+1)*n]
}

// Label returns the label window of excerpt i.
func (b *Batch) Label(i int) []bool {
	n := b.Shape.LabelFrames
	return b.Labels[i*n : (i+1)*n]
}

// At returns the value of excerpt i at frame t, bin f.
func (b *Batch) At(i, t, f int) float32 {
	return b.Data[(i*b.Shape.Frames+t)*b.Shape.Bins+f]
}

// Check verifies that the backing slices agree with Size and Shape.
func (b *Batch) Check() error {
	if b.Size <= 0 {
		return fmt.Errorf("%w: size %d", ErrShape, b.Size)
	}
	if want := b.Size * b.Shape.Frames * b.Shape.Bins; len(b.Data) != want {
		return fmt.Errorf("%w: %d values for %d×%s", ErrShape, len(b.Data), b.Size, b.Shape)
	}
	if want := b.Size * b.Shape.LabelFrames; len(b.Labels) != want {
		return fmt.Errorf("%w: %d labels for %d×%s", ErrShape, len(b.Labels), b.Size, b.Shape)
	}
	return nil
}

// NonFinite returns the index of the first NaN or infinite value, or -1.
func (b *Batch) NonFinite() int {
	for i, v := range b.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return i
		}
	}
	return -1
}

// Positives counts positive labels.
func (b *Batch) Positives() int {
	n := 0
	for _, l := range b.Labels {
		if l {
			n++
		}
	}
	return n
}

// SizeBytes is the approximate in-memory size of the batch.
func (b *Batch) SizeBytes() int64 {
	return int64(len(b.Data))*4 + int64(len(b.Labels))
}
