package config

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// SetDefaults registers the defaults of DefaultConfig with v.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("sample_rate", d.SampleRate)
	v.SetDefault("frame_len", d.FrameLen)
	v.SetDefault("fps", d.FPS)
	v.SetDefault("mel_max", d.MelMax)

	v.SetDefault("blocklen", d.Blocklen)
	v.SetDefault("batchsize", d.BatchSize)
	v.SetDefault("margin", d.Margin)

	v.SetDefault("augment", d.Augment)
	v.SetDefault("max_stretch", d.MaxStretch)
	v.SetDefault("max_shift", d.MaxShift)
	v.SetDefault("shift_scale", d.ShiftScale)
	v.SetDefault("max_db", d.MaxDB)
	v.SetDefault("spline_order", d.SplineOrder)

	v.SetDefault("bg_threads", d.BGThreads)
	v.SetDefault("bg_processes", d.BGProcesses)
	v.SetDefault("queue_depth", d.QueueDepth)
	v.SetDefault("wire_compression", d.WireCompression)

	// -1 draws a fresh seed for every run.
	v.SetDefault("seed", -1)
	v.SetDefault("sampling", d.Sampling)

	v.SetDefault("cache_spectra", d.CacheSpectra)
	v.SetDefault("load_spectra", d.LoadSpectra)
	v.SetDefault("dataset", d.Dataset)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("validate", d.Validation)
	v.SetDefault("positive_label", d.PositiveLabel)
	v.SetDefault("load_workers", d.LoadWorkers)
}

// MergeVars merges KEY=VALUE files in order, later files overriding earlier
// ones, and then the individual assignments on top.
func MergeVars(v *viper.Viper, files, assignments []string) error {
	for _, fn := range files {
		path, err := homedir.Expand(fn)
		if err != nil {
			return fmt.Errorf("%w: vars file %q: %w", ErrConfiguration, fn, err)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("unable to read vars file: %w", err)
		}
		if err := mergeAssignments(v, b); err != nil {
			return fmt.Errorf("%w: vars file %s: %w", ErrConfiguration, fn, err)
		}
	}

	var buf bytes.Buffer
	for _, a := range assignments {
		key, value, ok := strings.Cut(a, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: expected KEY=VALUE, got %q", ErrConfiguration, a)
		}
		fmt.Fprintf(&buf, "%s=%s\n", strings.TrimSpace(key), strings.TrimSpace(value))
	}
	if buf.Len() == 0 {
		return nil
	}
	if err := mergeAssignments(v, buf.Bytes()); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

// mergeAssignments merges a KEY=VALUE document into v without touching the
// config type used for its main config file.
func mergeAssignments(v *viper.Viper, b []byte) error {
	tmp := viper.New()
	tmp.SetConfigType("env")
	if err := tmp.ReadConfig(bytes.NewReader(b)); err != nil {
		return err
	}
	return v.MergeConfigMap(tmp.AllSettings())
}

// LoadFromViper builds a validated Config from v.
func LoadFromViper(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()

	cfg.SampleRate = v.GetInt("sample_rate")
	cfg.FrameLen = v.GetInt("frame_len")
	cfg.FPS = v.GetInt("fps")
	cfg.MelMax = v.GetFloat64("mel_max")

	cfg.Blocklen = v.GetInt("blocklen")
	cfg.BatchSize = v.GetInt("batchsize")
	cfg.Margin = v.GetInt("margin")

	cfg.Augment = v.GetBool("augment")
	cfg.MaxStretch = v.GetFloat64("max_stretch")
	cfg.MaxShift = v.GetFloat64("max_shift")
	cfg.ShiftScale = v.GetBool("shift_scale")
	cfg.MaxDB = v.GetFloat64("max_db")
	cfg.SplineOrder = v.GetInt("spline_order")

	cfg.BGThreads = v.GetInt("bg_threads")
	cfg.BGProcesses = v.GetInt("bg_processes")
	cfg.QueueDepth = v.GetInt("queue_depth")
	cfg.WireCompression = v.GetBool("wire_compression")

	if seed := v.GetInt64("seed"); seed >= 0 {
		cfg.Seed = uint64(seed)
	} else {
		cfg.Seed = rand.Uint64() >> 1
	}
	cfg.Sampling = strings.ToLower(v.GetString("sampling"))

	cfg.LoadSpectra = v.GetString("load_spectra")
	cfg.Dataset = v.GetString("dataset")
	cfg.Validation = v.GetBool("validate")
	cfg.PositiveLabel = v.GetString("positive_label")
	cfg.LoadWorkers = v.GetInt("load_workers")

	var err error
	if cfg.CacheSpectra, err = expand(v.GetString("cache_spectra")); err != nil {
		return cfg, err
	}
	if cfg.DataDir, err = expand(v.GetString("data_dir")); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func expand(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	p, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrConfiguration, path, err)
	}
	return p, nil
}
