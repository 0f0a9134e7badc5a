// Package extract computes magnitude spectrograms of WAV files.
package extract

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/cmplx"
	"os"

	"github.com/mjibson/go-dsp/wav"
	"github.com/mjibson/go-dsp/window"
	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/spectrofeed/spectrofeed/internal/config"
	"github.com/spectrofeed/spectrofeed/internal/spect"
)

// ErrSampleRate is returned for audio whose rate differs from the
// configured one. Audio is never resampled.
var ErrSampleRate = errors.New("unexpected sample rate")

// STFT extracts short-time Fourier magnitude spectrograms with a Hann
// window. Frame i covers samples [floor(i·hop), floor(i·hop)+FrameLen).
type STFT struct {
	SampleRate int
	FrameLen   int
	FPS        int

	window []float64
}

// New returns an extractor for the extraction settings of cfg.
func New(cfg config.Config) *STFT {
	return &STFT{
		SampleRate: cfg.SampleRate,
		FrameLen:   cfg.FrameLen,
		FPS:        cfg.FPS,
		window:     window.Hann(cfg.FrameLen),
	}
}

// Params implements corpus.Extractor.
func (s *STFT) Params() string {
	return fmt.Sprintf("stft,sr=%d,frame_len=%d,fps=%d", s.SampleRate, s.FrameLen, s.FPS)
}

// Extract implements corpus.Extractor.
func (s *STFT) Extract(path string) (*spect.Spectrogram, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open audio file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	samples, rate, err := ReadMono(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if rate != s.SampleRate {
		return nil, fmt.Errorf("%s: %w: %d Hz, want %d Hz", path, ErrSampleRate, rate, s.SampleRate)
	}
	return s.Spectrogram(samples), nil
}

// Spectrogram computes the magnitude spectrogram of mono samples. Signals
// shorter than one frame yield zero frames.
func (s *STFT) Spectrogram(samples []float64) *spect.Spectrogram {
	hop := float64(s.SampleRate) / float64(s.FPS)
	bins := s.FrameLen/2 + 1

	frames := 0
	if len(samples) >= s.FrameLen {
		frames = int(float64(len(samples)-s.FrameLen)/hop) + 1
	}
	out := spect.Zeros(frames, bins)
	if frames == 0 {
		return out
	}

	win := s.window
	if len(win) != s.FrameLen {
		win = window.Hann(s.FrameLen)
	}
	fft := fourier.NewFFT(s.FrameLen)
	buf := make([]float64, s.FrameLen)
	coeff := make([]complex128, bins)

	for i := 0; i < frames; i++ {
		start := int(float64(i) * hop)
		for j := range buf {
			buf[j] = samples[start+j] * win[j]
		}
		coeff = fft.Coefficients(coeff, buf)
		row := out.Row(i)
		for k, c := range coeff {
			row[k] = float32(cmplx.Abs(c))
		}
	}
	return out
}

// ReadMono decodes a PCM or float WAV stream, averaging all channels.
// Integer samples are scaled to [-1, 1).
func ReadMono(r io.Reader) ([]float64, int, error) {
	w, err := wav.New(r)
	if err != nil {
		return nil, 0, fmt.Errorf("unable to read wav header: %w", err)
	}
	channels := int(w.NumChannels)
	if channels < 1 {
		return nil, 0, fmt.Errorf("wav: invalid channel count %d", channels)
	}

	interleaved, err := readSamples(w)
	if err != nil {
		return nil, 0, err
	}

	n := len(interleaved) / channels
	mono := make([]float64, n)
	for i := range mono {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		mono[i] = sum / float64(channels)
	}
	return mono, int(w.SampleRate), nil
}

// readSamples reads the whole data chunk. w.Samples is rounded down to a
// multiple of eight, so the remainder is read one sample at a time until
// the chunk ends.
func readSamples(w *wav.Wav) ([]float64, error) {
	out := make([]float64, 0, w.Samples+8)
	if w.Samples > 0 {
		raw, err := w.ReadSamples(w.Samples)
		if err != nil {
			return nil, fmt.Errorf("unable to read samples: %w", err)
		}
		if out, err = appendSamples(out, raw); err != nil {
			return nil, err
		}
	}

	for {
		raw, err := w.ReadSamples(1)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("unable to read samples: %w", err)
		}
		if out, err = appendSamples(out, raw); err != nil {
			return nil, err
		}
	}
}

func appendSamples(dst []float64, raw interface{}) ([]float64, error) {
	switch d := raw.(type) {
	case []uint8:
		for _, v := range d {
			dst = append(dst, (float64(v)-128)/128)
		}
	case []int16:
		for _, v := range d {
			dst = append(dst, float64(v)/32768)
		}
	case []float32:
		for _, v := range d {
			dst = append(dst, float64(v))
		}
	default:
		return nil, fmt.Errorf("wav: unsupported sample type %T", raw)
	}
	return dst, nil
}
