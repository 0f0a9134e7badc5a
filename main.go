// Package main provides the entry point for the spectrofeed CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spectrofeed/spectrofeed/internal/config"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile     string
	varsFiles      []string
	varAssignments []string

	rootCmd = &cobra.Command{
		Use:   "spectrofeed",
		Short: "Feed randomized, augmented spectrogram batches",
		Long: paragraph(
			fmt.Sprintf("\nTurn a labeled audio dataset into an %s of training batches.", keyword("endless stream")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		Args:             cobra.NoArgs,
	}
)

// loadConfig resolves the configuration of the current invocation: config
// file, vars files, --var assignments, environment and flags.
func loadConfig() (config.Config, error) {
	v := viper.GetViper()
	if configFile != "" && configFile != v.ConfigFileUsed() {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("unable to read config file: %w", err)
		}
	}
	if err := config.MergeVars(v, varsFiles, varAssignments); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.LoadFromViper(v)
	if err != nil {
		return cfg, err
	}
	log.Debug("Configuration loaded", "seed", cfg.Seed, "workers", cfg.Workers(), "load", cfg.LoadSpectra)
	return cfg, nil
}

func main() {
	if err := godotenv.Load(); err == nil {
		log.Debug("Loaded environment from .env")
	}

	closer, err := setupLog()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = rootCmd.ExecuteContext(ctx)
	stop()
	_ = closer()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	config.SetDefaults(viper.GetViper())
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	flags.StringSliceVar(&varsFiles, "vars", nil, "KEY=VALUE files to read settings from, later files win")
	flags.StringArrayVar(&varAssignments, "var", nil, "set a single KEY=VALUE, overriding vars files")

	flags.String("dataset", "", "dataset name under the data directory")
	flags.String("data-dir", "", "directory holding the datasets")
	flags.String("cache-spectra", "", "directory to cache spectrograms in")
	flags.String("load-spectra", "", "memory, memmap or on-demand")
	flags.Bool("augment", true, "apply time stretching, pitch shifting and filtering")
	flags.Int("bg-threads", 0, "number of background goroutines producing batches")
	flags.Int("bg-processes", 0, "number of worker processes producing batches")
	flags.Int64("seed", -1, "random seed, -1 for a fresh one")
	flags.Bool("validate", false, "also load the validation file list")

	// Config bindings
	_ = viper.BindPFlag("dataset", flags.Lookup("dataset"))
	_ = viper.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = viper.BindPFlag("cache_spectra", flags.Lookup("cache-spectra"))
	_ = viper.BindPFlag("load_spectra", flags.Lookup("load-spectra"))
	_ = viper.BindPFlag("augment", flags.Lookup("augment"))
	_ = viper.BindPFlag("bg_threads", flags.Lookup("bg-threads"))
	_ = viper.BindPFlag("bg_processes", flags.Lookup("bg-processes"))
	_ = viper.BindPFlag("seed", flags.Lookup("seed"))
	_ = viper.BindPFlag("validate", flags.Lookup("validate"))

	rootCmd.AddCommand(benchCmd, warmCmd, statsCmd, workerCmd, configCmd, manCmd)
}

// configDirs lists the directories searched for spectrofeed.yml, most
// specific first.
func configDirs() ([]string, error) {
	scope := gap.NewScope(gap.User, "spectrofeed")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		return nil, err
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "spectrofeed")}, dirs...)
	}

	if c := os.Getenv("SPECTROFEED_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}
	return dirs, nil
}

func tryLoadConfigFromDefaultPlaces() {
	// stdout may be a worker stream, so failures only go to the log.
	dirs, err := configDirs()
	if err != nil || len(dirs) == 0 {
		log.Error("Could not find configuration directory", "err", err)
		os.Exit(1)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("spectrofeed")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("spectrofeed")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", viper.ConfigFileUsed())
		return
	}

	configFile = filepath.Join(dirs[0], "spectrofeed.yml")
}
