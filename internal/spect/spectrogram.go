package spect

import (
	"errors"
	"fmt"
)

// ErrWindow is returned when a requested window falls outside an array.
var ErrWindow = errors.New("window out of range")

// Array is a read-only frames × bins matrix of magnitudes.
type Array interface {
	// Frames returns the number of frames (rows).
	Frames() int

	// Bins returns the number of feature bins per frame (columns).
	Bins() int

	// ReadWindow copies n consecutive frames starting at start, keeping the
	// first bins bins of each, into dst (row-major, len(dst) >= n*bins).
	ReadWindow(dst []float32, start, n, bins int) error
}

// Spectrogram is a row-major frames × bins matrix. The backing slice may
// live in process memory or in a read-only mapping, so it must never be
// written to after construction.
type Spectrogram struct {
	T    int
	F    int
	Data []float32
}

// New wraps data as a t × f spectrogram.
func New(t, f int, data []float32) (*Spectrogram, error) {
	if t < 0 || f < 0 {
		return nil, fmt.Errorf("invalid shape %dx%d", t, f)
	}
	if len(data) != t*f {
		return nil, fmt.Errorf("data length %d does not match shape %dx%d", len(data), t, f)
	}
	return &Spectrogram{T: t, F: f, Data: data}, nil
}

// Zeros allocates a t × f spectrogram filled with zeros.
func Zeros(t, f int) *Spectrogram {
	return &Spectrogram{T: t, F: f, Data: make([]float32, t*f)}
}

// Frames implements Array.
func (s *Spectrogram) Frames() int { return s.T }

// Bins implements Array.
func (s *Spectrogram) Bins() int { return s.F }

// Row returns frame i. The returned slice aliases the spectrogram.
func (s *Spectrogram) Row(i int) []float32 {
	return s.Data[i*s.F : (i+1)*s.F]
}

// At returns the value at frame i, bin j.
func (s *Spectrogram) At(i, j int) float32 {
	return s.Data[i*s.F+j]
}

// ReadWindow implements Array.
func (s *Spectrogram) ReadWindow(dst []float32, start, n, bins int) error {
	if err := CheckWindow(s, start, n, bins, len(dst)); err != nil {
		return err
	}
	if bins == s.F {
		copy(dst, s.Data[start*s.F:(start+n)*s.F])
		return nil
	}
	for i := 0; i < n; i++ {
		copy(dst[i*bins:(i+1)*bins], s.Row(start + i)[:bins])
	}
	return nil
}

// SizeBytes is the in-memory size of the spectrogram's data.
func (s *Spectrogram) SizeBytes() int64 {
	return int64(len(s.Data)) * 4
}

// CheckWindow validates a ReadWindow request against a.
func CheckWindow(a Array, start, n, bins, dstLen int) error {
	if start < 0 || n < 0 || start+n > a.Frames() {
		return fmt.Errorf("%w: frames [%d, %d) of %d", ErrWindow, start, start+n, a.Frames())
	}
	if bins < 0 || bins > a.Bins() {
		return fmt.Errorf("%w: %d bins of %d", ErrWindow, bins, a.Bins())
	}
	if dstLen < n*bins {
		return fmt.Errorf("%w: destination holds %d values, need %d", ErrWindow, dstLen, n*bins)
	}
	return nil
}
