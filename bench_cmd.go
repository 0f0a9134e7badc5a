package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/spectrofeed/spectrofeed/internal/pipeline"
)

var (
	benchBatches int
	benchRate    float64

	benchCmd = &cobra.Command{
		Use:   "bench",
		Short: "Draw batches from the feeder and report throughput",
		Long: paragraph(fmt.Sprintf("\n%s the configured dataset and pull batches as fast as possible, or at a fixed rate to mimic a training loop.",
			keyword("Open"))),
		Example: paragraph("spectrofeed bench --batches 1000\nspectrofeed bench --bg-processes 4 --rate 20"),
		Args:    cobra.NoArgs,
		RunE:    runBench,
	}
)

func runBench(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	start := time.Now()
	p, err := pipeline.Open(ctx, cfg, pipeline.Deps{Logger: log.Default()})
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()
	setup := time.Since(start)

	var limiter *rate.Limiter
	if benchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(benchRate), 1)
	}

	var (
		n         int
		positives int
		bytes     int64
		wait      time.Duration
	)
	start = time.Now()
	last := start
	for b, err := range p.Feeder.All(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				log.Warn("Interrupted", "batches", n)
				break
			}
			return err
		}
		wait += time.Since(last)
		if at := b.NonFinite(); at >= 0 {
			return fmt.Errorf("batch %d holds a non-finite value at %d", n, at)
		}
		n++
		positives += b.Positives()
		bytes += b.SizeBytes()
		if n >= benchBatches {
			break
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}
		last = time.Now()
	}
	elapsed := time.Since(start)

	fmt.Println(benchReport(p, n, positives, bytes, setup, elapsed, wait))
	return nil
}

func benchReport(p *pipeline.Pipeline, n, positives int, bytes int64, setup, elapsed, wait time.Duration) string {
	st := p.Feeder.Stats()
	secs := elapsed.Seconds()
	if secs == 0 {
		secs = 1e-9
	}
	labels := n * p.Shape.LabelFrames * p.Config.BatchSize

	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(_, col int) lipgloss.Style {
			if col == 0 {
				return lipgloss.NewStyle().Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Row("run", p.Feeder.RunID()).
		Row("mode", fmt.Sprintf("%s, %d workers", st.Mode, st.Workers)).
		Row("shape", fmt.Sprintf("%d x %s", p.Config.BatchSize, p.Shape)).
		Row("setup", setup.Round(time.Millisecond).String()).
		Row("batches", humanize.Comma(int64(n))).
		Row("elapsed", elapsed.Round(time.Millisecond).String()).
		Row("throughput", fmt.Sprintf("%.1f batches/s, %s/s", float64(n)/secs, humanize.IBytes(uint64(float64(bytes)/secs)))).
		Row("waiting", wait.Round(time.Millisecond).String())
	if labels > 0 {
		t.Row("positive", strconv.FormatFloat(100*float64(positives)/float64(labels), 'f', 1, 64)+"%")
	}
	for i, q := range st.Queues {
		t.Row(fmt.Sprintf("queue %d", i), fmt.Sprintf("%d produced, peak %d", q.TotalEnqueued, q.PeakSize))
	}
	return label("Benchmark") + "\n" + t.Render()
}

func init() {
	benchCmd.Flags().IntVarP(&benchBatches, "batches", "n", 100, "number of batches to draw")
	benchCmd.Flags().Float64Var(&benchRate, "rate", 0, "batches per second to consume, 0 for unlimited")
}
