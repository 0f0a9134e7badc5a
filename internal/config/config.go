// Package config holds the immutable run configuration shared by every
// component of the feeder.
package config

import (
	"fmt"
	"strings"
)

// Sampling strategies for item selection.
const (
	SamplingPositions = "positions"
	SamplingUniform   = "uniform"
)

// Config contains every option recognized by the feeder. It is built once,
// validated, and then passed by value.
type Config struct {
	// Feature extraction
	SampleRate int     `yaml:"sample_rate" json:"sample_rate"`
	FrameLen   int     `yaml:"frame_len" json:"frame_len"`
	FPS        int     `yaml:"fps" json:"fps"`
	MelMax     float64 `yaml:"mel_max" json:"mel_max"`

	// Batch geometry
	Blocklen  int `yaml:"blocklen" json:"blocklen"`
	BatchSize int `yaml:"batchsize" json:"batchsize"`
	Margin    int `yaml:"margin" json:"margin"` // negative selects Blocklen/2

	// Augmentation
	Augment     bool    `yaml:"augment" json:"augment"`
	MaxStretch  float64 `yaml:"max_stretch" json:"max_stretch"`
	MaxShift    float64 `yaml:"max_shift" json:"max_shift"`
	ShiftScale  bool    `yaml:"shift_scale" json:"shift_scale"`
	MaxDB       float64 `yaml:"max_db" json:"max_db"`
	SplineOrder int     `yaml:"spline_order" json:"spline_order"`

	// Background workers
	BGThreads       int  `yaml:"bg_threads" json:"bg_threads"`
	BGProcesses     int  `yaml:"bg_processes" json:"bg_processes"`
	QueueDepth      int  `yaml:"queue_depth" json:"queue_depth"` // 0 derives it from the mode
	WireCompression bool `yaml:"wire_compression" json:"wire_compression"`

	// Sampling
	Seed     uint64 `yaml:"seed" json:"seed"`
	Sampling string `yaml:"sampling" json:"sampling"`

	// Dataset and cache
	CacheSpectra  string `yaml:"cache_spectra" json:"cache_spectra"`
	LoadSpectra   string `yaml:"load_spectra" json:"load_spectra"`
	Dataset       string `yaml:"dataset" json:"dataset"`
	DataDir       string `yaml:"data_dir" json:"data_dir"`
	Validation    bool   `yaml:"validate" json:"validate"`
	PositiveLabel string `yaml:"positive_label" json:"positive_label"`
	LoadWorkers   int    `yaml:"load_workers" json:"load_workers"`
}

// DefaultConfig returns a Config with the defaults of the singing voice
// detection experiments.
func DefaultConfig() Config {
	return Config{
		SampleRate: 22050,
		FrameLen:   1024,
		FPS:        70,
		MelMax:     8000,

		Blocklen:  115,
		BatchSize: 32,
		Margin:    -1,

		Augment:     true,
		MaxStretch:  0.3,
		MaxShift:    0.3,
		ShiftScale:  true,
		MaxDB:       10,
		SplineOrder: 2,

		BGThreads:       2,
		WireCompression: true,

		Sampling: SamplingPositions,

		LoadSpectra:   "memory",
		Dataset:       "jamendo",
		DataDir:       "datasets",
		PositiveLabel: "sing",
		LoadWorkers:   4,
	}
}

// Validate checks if the configuration is valid. Every error wraps
// ErrConfiguration.
func (c Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

func (c Config) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.FrameLen < 2 {
		return fmt.Errorf("frame_len must be at least 2, got %d", c.FrameLen)
	}
	if c.FPS <= 0 || c.FPS > c.SampleRate {
		return fmt.Errorf("fps must be between 1 and sample_rate, got %d", c.FPS)
	}
	if c.MelMax <= 0 || c.MelMax > float64(c.SampleRate)/2 {
		return fmt.Errorf("mel_max must be between 0 and %d Hz, got %g", c.SampleRate/2, c.MelMax)
	}
	if c.KeepBins() < 1 {
		return fmt.Errorf("mel_max %g keeps no frequency bins", c.MelMax)
	}

	if c.Blocklen < 1 {
		return fmt.Errorf("blocklen must be positive, got %d", c.Blocklen)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batchsize must be positive, got %d", c.BatchSize)
	}
	if 2*c.LabelMargin() >= c.Blocklen {
		return fmt.Errorf("margin %d leaves no label frames of blocklen %d", c.LabelMargin(), c.Blocklen)
	}

	if c.MaxStretch < 0 || c.MaxStretch >= 1 {
		return fmt.Errorf("max_stretch must be in [0, 1), got %g", c.MaxStretch)
	}
	if c.MaxShift < 0 {
		return fmt.Errorf("max_shift must not be negative, got %g", c.MaxShift)
	}
	if c.ShiftScale && c.MaxShift >= 1 {
		return fmt.Errorf("max_shift must be below 1 as a scale factor, got %g", c.MaxShift)
	}
	if c.MaxDB < 0 {
		return fmt.Errorf("max_db must not be negative, got %g", c.MaxDB)
	}
	if c.SplineOrder < 0 || c.SplineOrder > 5 {
		return fmt.Errorf("spline_order must be between 0 and 5, got %d", c.SplineOrder)
	}

	if c.BGThreads < 0 || c.BGProcesses < 0 {
		return fmt.Errorf("worker counts must not be negative")
	}
	if c.BGThreads > 0 && c.BGProcesses > 0 {
		return fmt.Errorf("bg_threads and bg_processes are mutually exclusive")
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("queue_depth must not be negative, got %d", c.QueueDepth)
	}

	switch c.Sampling {
	case SamplingPositions, SamplingUniform:
	default:
		return fmt.Errorf("invalid sampling %q: must be one of %v", c.Sampling,
			[]string{SamplingPositions, SamplingUniform})
	}

	mode := strings.ToLower(c.LoadSpectra)
	if mode != "" && mode != "memory" && mode != "in-memory" && c.CacheSpectra == "" {
		return fmt.Errorf("load_spectra=%s requires cache_spectra", c.LoadSpectra)
	}
	if c.Dataset == "" {
		return fmt.Errorf("dataset cannot be empty")
	}
	if c.LoadWorkers < 1 {
		return fmt.Errorf("load_workers must be positive, got %d", c.LoadWorkers)
	}
	return nil
}

// Bins is the number of frequency bins of an extracted spectrogram.
func (c Config) Bins() int {
	return c.FrameLen/2 + 1
}

// KeepBins is the number of bins up to MelMax.
func (c Config) KeepBins() int {
	return int(float64(c.Bins()*2) * c.MelMax / float64(c.SampleRate))
}

// Hop is the STFT hop size in samples.
func (c Config) Hop() int {
	return c.SampleRate / c.FPS
}

// LabelMargin is the number of frames trimmed from each side of a label
// window relative to a Blocklen excerpt.
func (c Config) LabelMargin() int {
	if c.Margin < 0 {
		return c.Blocklen / 2
	}
	return c.Margin
}

// LabelFrames is the length of a label window in an emitted batch.
func (c Config) LabelFrames() int {
	return c.Blocklen - 2*c.LabelMargin()
}

// Workers is the number of producers the feeder runs.
func (c Config) Workers() int {
	switch {
	case !c.Augment:
		return 1
	case c.BGThreads > 0:
		return c.BGThreads
	case c.BGProcesses > 0:
		return c.BGProcesses
	default:
		return 1
	}
}

// Background reports whether producers run off the consumer's goroutine.
func (c Config) Background() bool {
	return !c.Augment || c.BGThreads > 0 || c.BGProcesses > 0
}

// Processes reports whether producers run in worker processes.
func (c Config) Processes() bool {
	return c.Augment && c.BGThreads == 0 && c.BGProcesses > 0
}

// PerWorkerQueueDepth returns QueueDepth, or the depth derived from the
// worker mode when it is zero.
func (c Config) PerWorkerQueueDepth() int {
	switch {
	case c.QueueDepth > 0:
		return c.QueueDepth
	case !c.Augment:
		return 15
	case c.Processes():
		return 25
	default:
		return 5
	}
}
