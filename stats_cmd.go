package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/spectrofeed/spectrofeed/internal/augment"
	"github.com/spectrofeed/spectrofeed/internal/corpus"
	"github.com/spectrofeed/spectrofeed/internal/pipeline"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the items and labels of a dataset",
	Long: paragraph(fmt.Sprintf("\n%s the configured dataset and print its length and label statistics.",
		keyword("Load"))),
	Example: paragraph("spectrofeed stats --dataset jamendo --validate"),
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := pipeline.LoadCorpus(cmd.Context(), cfg, pipeline.Deps{Logger: log.Default()})
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		excerpt := cfg.Blocklen
		if cfg.Augment {
			excerpt = augment.ExcerptFrames(cfg.Blocklen, cfg.MaxStretch)
		}

		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("list", "items", "frames", "min", "max", "mean", "std", "positive", "eligible", "starts")
		t.Row(statsRow(pipeline.TrainList, c.Train.Stats(excerpt))...)
		if c.Validation != nil {
			t.Row(statsRow(pipeline.ValidationList, c.Validation.Stats(excerpt))...)
		}

		fmt.Printf("%s %s, excerpts of %d frames at %d fps\n", label("Dataset"), cfg.Dataset, excerpt, cfg.FPS)
		fmt.Println(t.Render())
		return nil
	},
}

func statsRow(name string, st corpus.Stats) []string {
	return []string{
		name,
		humanize.Comma(int64(st.Items)),
		humanize.Comma(int64(st.Frames)),
		humanize.Comma(int64(st.MinFrames)),
		humanize.Comma(int64(st.MaxFrames)),
		fmt.Sprintf("%.1f", st.MeanFrames),
		fmt.Sprintf("%.1f", st.StdFrames),
		fmt.Sprintf("%.1f%%", 100*st.PositiveRatio),
		humanize.Comma(int64(st.Eligible)),
		humanize.Comma(int64(st.StartPositions)),
	}
}
