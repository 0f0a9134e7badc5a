package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/mitchellh/go-homedir"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// logConfig is read from the environment before any command runs.
type logConfig struct {
	Level  string `env:"SPECTROFEED_LOG_LEVEL" envDefault:"info"`
	Format string `env:"SPECTROFEED_LOG_FORMAT" envDefault:"auto"` // auto, text, logfmt or json
	File   string `env:"SPECTROFEED_LOG_FILE"`
}

// setupLog configures the default logger. Logs go to stderr, which keeps
// stdout free for command output and the worker protocol.
func setupLog() (func() error, error) {
	cfg, err := env.ParseAs[logConfig]()
	if err != nil {
		return nil, fmt.Errorf("error parsing log config: %w", err)
	}

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)

	out := os.Stderr
	closer := func() error { return nil }
	if cfg.File != "" {
		path, err := homedir.Expand(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("invalid log file: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec
			return nil, fmt.Errorf("unable to create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) //nolint:gosec
		if err != nil {
			return nil, fmt.Errorf("unable to open log file: %w", err)
		}
		out, closer = f, f.Close
	}
	log.SetOutput(out)

	isTerminal := term.IsTerminal(int(out.Fd()))
	if !isTerminal {
		log.SetColorProfile(termenv.Ascii)
	}

	switch strings.ToLower(cfg.Format) {
	case "text":
		log.SetFormatter(log.TextFormatter)
	case "logfmt":
		log.SetFormatter(log.LogfmtFormatter)
	case "json":
		log.SetFormatter(log.JSONFormatter)
	case "auto", "":
		if !isTerminal {
			log.SetFormatter(log.LogfmtFormatter)
		}
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	return closer, nil
}
