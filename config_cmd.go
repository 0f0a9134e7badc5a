package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfig = `# Feature extraction
sample_rate: 22050
frame_len: 1024
fps: 70
# highest frequency kept, in Hz
mel_max: 8000

# Batch geometry
blocklen: 115
batchsize: 32
# label frames trimmed from each side, -1 for blocklen/2
margin: -1

# Augmentation
augment: true
max_stretch: 0.3
max_shift: 0.3
# treat max_shift as a frequency scale factor instead of bins
shift_scale: true
max_db: 10
spline_order: 2

# Background workers (threads and processes are mutually exclusive)
bg_threads: 2
bg_processes: 0
# batches buffered per worker, 0 derives it from the mode
queue_depth: 0
wire_compression: true

# Sampling
# -1 draws a fresh seed for every run
seed: -1
# positions or uniform
sampling: "positions"

# Dataset and cache
dataset: "jamendo"
data_dir: "datasets"
# cache_spectra: "~/.cache/spectrofeed"
# memory, memmap or on-demand
load_spectra: "memory"
validate: false
positive_label: "sing"
load_workers: 4
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the spectrofeed config file",
	Long:    paragraph(fmt.Sprintf("\n%s the spectrofeed config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("spectrofeed config\nspectrofeed config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("Spectrofeed", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil { //nolint:gosec
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil { // some other error occurred
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
