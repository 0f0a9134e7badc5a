package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/spectrofeed/spectrofeed/internal/config"
	"github.com/spectrofeed/spectrofeed/internal/pipeline"
)

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Extract and cache the spectrograms of a dataset",
	Long: paragraph(fmt.Sprintf("\n%s every spectrogram of the configured dataset into the cache directory, so later runs and worker processes only read them back.",
		keyword("Extract"))),
	Example: paragraph("spectrofeed warm --cache-spectra ~/.cache/spectrofeed --validate"),
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.CacheSpectra == "" {
			return fmt.Errorf("%w: warm needs cache_spectra", config.ErrConfiguration)
		}

		start := time.Now()
		c, err := pipeline.LoadCorpus(cmd.Context(), cfg, pipeline.Deps{Logger: log.Default()})
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		items := c.Train.Len()
		if c.Validation != nil {
			items += c.Validation.Len()
		}
		st := c.Store.Stats()
		fmt.Printf("%s %d items in %s\n", label("Warmed"), items, time.Since(start).Round(time.Millisecond))
		fmt.Printf("  %s computed, %s already cached (%.0f%% hit rate)\n",
			humanize.Comma(st.Computes), humanize.Comma(st.Hits), 100*st.HitRate())
		fmt.Printf("  %s written to %s\n", humanize.IBytes(uint64(st.BytesWritten)), c.Store.Dir())
		return nil
	},
}
