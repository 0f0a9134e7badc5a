package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/spectrofeed/spectrofeed/internal/batch"
	"github.com/spectrofeed/spectrofeed/internal/cache"
	"github.com/spectrofeed/spectrofeed/internal/config"
	"github.com/spectrofeed/spectrofeed/internal/corpus"
	"github.com/spectrofeed/spectrofeed/internal/feeder"
	"github.com/spectrofeed/spectrofeed/internal/spect"
)

func TestMain(m *testing.M) {
	if os.Getenv("PIPELINE_TEST_WORKER") == "1" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		err := RunWorker(ctx, os.Stdin, os.Stdout, Deps{Logger: log.New(os.Stderr)})
		stop()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func quiet() Deps {
	return Deps{Logger: log.New(io.Discard)}
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.SampleRate = 8000
	cfg.FrameLen = 64
	cfg.FPS = 100
	cfg.MelMax = 2000
	cfg.Blocklen = 11
	cfg.BatchSize = 4
	cfg.Seed = 7
	cfg.LoadWorkers = 2
	return cfg
}

// rampItem holds item*1000+t in every bin of frame t; frames divisible by
// three are positive.
func rampItem(item, frames, bins int) *corpus.Item {
	s := spect.Zeros(frames, bins)
	labels := make([]bool, frames)
	for t := 0; t < frames; t++ {
		for f := 0; f < bins; f++ {
			s.Data[t*bins+f] = float32(item*1000 + t)
		}
		labels[t] = t%3 == 0
	}
	return &corpus.Item{ID: fmt.Sprintf("item%d", item), Spect: s, Labels: labels}
}

func newIndex(t *testing.T, items ...*corpus.Item) *corpus.Index {
	t.Helper()
	idx, err := corpus.NewIndex(items)
	if err != nil {
		t.Fatalf("NewIndex failed: %v", err)
	}
	return idx
}

func startFeeder(t *testing.T, cfg config.Config, idx *corpus.Index, deps Deps) *feeder.Feeder {
	t.Helper()
	feeds, opts, err := Build(cfg, idx, false, deps)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	producers := make([]feeder.Producer, len(feeds))
	for i, d := range feeds {
		producers[i] = d
	}
	f, err := feeder.New(producers, opts)
	if err != nil {
		t.Fatalf("feeder.New failed: %v", err)
	}
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestBuild_Options(t *testing.T) {
	idx := newIndex(t, rampItem(0, 40, 33))

	tests := []struct {
		name    string
		modify  func(*config.Config)
		mode    feeder.Mode
		workers int
		depth   int
	}{
		{"threads", func(c *config.Config) { c.BGThreads = 3 }, feeder.ModeThreads, 3, 5},
		{"processes", func(c *config.Config) { c.BGThreads, c.BGProcesses = 0, 2 }, feeder.ModeProcesses, 2, 25},
		{"sync", func(c *config.Config) { c.BGThreads = 0 }, feeder.ModeSync, 1, 5},
		{"no augmentation", func(c *config.Config) { c.Augment = false }, feeder.ModeThreads, 1, 15},
		{"explicit depth", func(c *config.Config) { c.QueueDepth = 7 }, feeder.ModeThreads, 2, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(&cfg)
			feeds, opts, err := Build(cfg, idx, false, quiet())
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			if opts.Mode != tt.mode || len(feeds) != tt.workers || opts.QueueDepth != tt.depth {
				t.Errorf("got %s with %d workers and depth %d", opts.Mode, len(feeds), opts.QueueDepth)
			}
			if got := feeds[0].sampler.BatchSize(); got != cfg.BatchSize {
				t.Errorf("sampler draws %d excerpts, want %d", got, cfg.BatchSize)
			}
			if want := (batch.Shape{Frames: 11, Bins: 16, LabelFrames: 1}); feeds[0].Shape() != want {
				t.Errorf("shape %s, want %s", feeds[0].Shape(), want)
			}
		})
	}
}

func TestBuild_NoEligibleItem(t *testing.T) {
	idx := newIndex(t, rampItem(0, 12, 33))
	_, _, err := Build(testConfig(), idx, false, quiet())
	if !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func TestFeed_ThreadedAugmented(t *testing.T) {
	cfg := testConfig()
	f := startFeeder(t, cfg, newIndex(t, rampItem(0, 40, 33), rampItem(1, 25, 33)), quiet())

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	want := batch.Shape{Frames: 11, Bins: 16, LabelFrames: 1}
	for k := 0; k < 1000; k++ {
		b, err := f.Next(ctx)
		if err != nil {
			t.Fatalf("batch %d: %v", k, err)
		}
		if b.Size != 4 || b.Shape != want {
			t.Fatalf("batch %d: got %d×%s", k, b.Size, b.Shape)
		}
		if err := b.Check(); err != nil {
			t.Fatalf("batch %d: %v", k, err)
		}
		if i := b.NonFinite(); i >= 0 {
			t.Fatalf("batch %d: non-finite value at %d", k, i)
		}
		for _, v := range b.Data {
			if v < 0 {
				t.Fatalf("batch %d: negative magnitude %v", k, v)
			}
		}
	}
}

func TestFeed_TwoThreadsLongItems(t *testing.T) {
	cfg := testConfig()
	cfg.Blocklen = 100
	cfg.Margin = 0
	cfg.BatchSize = 4
	cfg.BGThreads = 2
	cfg.QueueDepth = 8
	// Identity augmentation keeps the excerpts exact.
	cfg.MaxStretch, cfg.MaxShift, cfg.MaxDB = 0, 0, 0
	cfg.SplineOrder = 1

	lengths := []int{500, 800}
	f := startFeeder(t, cfg, newIndex(t, rampItem(0, lengths[0], 33), rampItem(1, lengths[1], 33)), quiet())

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	want := batch.Shape{Frames: 100, Bins: 16, LabelFrames: 100}
	for k := 0; k < 1000; k++ {
		b, err := f.Next(ctx)
		if err != nil {
			t.Fatalf("batch %d: %v", k, err)
		}
		if b.Size != 4 || b.Shape != want {
			t.Fatalf("batch %d: got %d×%s, want 4×%s", k, b.Size, b.Shape, want)
		}
		for i := 0; i < b.Size; i++ {
			first := int(b.At(i, 0, 0))
			item, start := first/1000, first%1000
			if item > 1 || start+100 > lengths[item] {
				t.Fatalf("batch %d: excerpt of item %d starts at %d", k, item, start)
			}
			for tt := 0; tt < 100; tt += 33 {
				if got := int(b.At(i, tt, 7)); got != first+tt {
					t.Fatalf("batch %d: frame %d holds %d, want %d", k, tt, got, first+tt)
				}
				if got := b.Label(i)[tt]; got != ((start+tt)%3 == 0) {
					t.Fatalf("batch %d: label %d of excerpt at %d is %v", k, tt, start, got)
				}
			}
		}
	}

	st := f.Stats()
	if st.Workers != 2 || st.Consumed != 1000 {
		t.Errorf("got %d workers and %d consumed", st.Workers, st.Consumed)
	}
	for i, q := range st.Queues {
		if q.PeakSize > 8 {
			t.Errorf("queue %d peaked at %d, capacity 8", i, q.PeakSize)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestFeed_LabelsMatchExcerpts(t *testing.T) {
	cfg := testConfig()
	cfg.Augment = false
	f := startFeeder(t, cfg, newIndex(t, rampItem(0, 40, 33), rampItem(1, 25, 33)), quiet())

	ctx := context.Background()
	for k := 0; k < 50; k++ {
		b, err := f.Next(ctx)
		if err != nil {
			t.Fatalf("batch %d: %v", k, err)
		}
		for i := 0; i < b.Size; i++ {
			first := int(b.At(i, 0, 0))
			item, start := first/1000, first%1000
			frames := []int{40, 25}[item]
			if start+cfg.Blocklen > frames {
				t.Fatalf("excerpt of item %d starts at %d", item, start)
			}
			for tt := 0; tt < cfg.Blocklen; tt++ {
				if got := int(b.At(i, tt, 15)); got != first+tt {
					t.Fatalf("frame %d holds %d, want %d", tt, got, first+tt)
				}
			}
			if got, want := b.Label(i)[0], (start+5)%3 == 0; got != want {
				t.Fatalf("label of excerpt at %d is %v, want %v", start, got, want)
			}
		}
	}
}

func collect(t *testing.T, f *feeder.Feeder, n int) []*batch.Batch {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	out := make([]*batch.Batch, n)
	for k := range out {
		b, err := f.Next(ctx)
		if err != nil {
			t.Fatalf("batch %d: %v", k, err)
		}
		out[k] = b
	}
	return out
}

func sameBatches(a, b []*batch.Batch) bool {
	for k := range a {
		if a[k].Shape != b[k].Shape || len(a[k].Data) != len(b[k].Data) {
			return false
		}
		for i := range a[k].Data {
			if math.Float32bits(a[k].Data[i]) != math.Float32bits(b[k].Data[i]) {
				return false
			}
		}
		for i := range a[k].Labels {
			if a[k].Labels[i] != b[k].Labels[i] {
				return false
			}
		}
	}
	return true
}

func TestFeed_Deterministic(t *testing.T) {
	idx := newIndex(t, rampItem(0, 40, 33), rampItem(1, 25, 33))
	cfg := testConfig()

	a := collect(t, startFeeder(t, cfg, idx, quiet()), 20)
	b := collect(t, startFeeder(t, cfg, idx, quiet()), 20)
	if !sameBatches(a, b) {
		t.Error("same seed produced different batches")
	}

	cfg.Seed++
	c := collect(t, startFeeder(t, cfg, idx, quiet()), 20)
	if sameBatches(a, c) {
		t.Error("different seeds produced identical batches")
	}
}

// pcm16 renders mono samples in [-1, 1] as a 16-bit PCM WAV file.
func pcm16(rate int, samples []float64) []byte {
	var data bytes.Buffer
	for _, s := range samples {
		_ = binary.Write(&data, binary.LittleEndian, int16(math.Round(s*32767)))
	}

	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+data.Len()))
	b.WriteString("WAVEfmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1))
	_ = binary.Write(&b, binary.LittleEndian, uint32(rate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(rate*2))
	_ = binary.Write(&b, binary.LittleEndian, uint16(2))
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(data.Len()))
	b.Write(data.Bytes())
	return b.Bytes()
}

// writeDataset creates a one-second chirp per file under
// <dir>/toy/{audio,labels,filelists}.
func writeDataset(t *testing.T, dir string, train, valid []string) {
	t.Helper()
	root := filepath.Join(dir, "toy")
	for _, sub := range []string{"audio", "labels", "filelists"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	lists := map[string][]string{TrainList: train, ValidationList: valid}
	for list, files := range lists {
		var content bytes.Buffer
		for n, fn := range files {
			content.WriteString(fn + "\n")

			samples := make([]float64, 8000)
			for i := range samples {
				x := float64(i) / 8000
				samples[i] = 0.4 * math.Sin(2*math.Pi*(200+float64(n)*150+600*x)*x)
			}
			if err := os.WriteFile(filepath.Join(root, "audio", fn), pcm16(8000, samples), 0o644); err != nil {
				t.Fatal(err)
			}
			lab := "0.0 0.4 sing\n0.4 1.0 nosing\n"
			base := fn[:len(fn)-len(filepath.Ext(fn))]
			if err := os.WriteFile(filepath.Join(root, "labels", base+".lab"), []byte(lab), 0o644); err != nil {
				t.Fatal(err)
			}
		}
		if err := os.WriteFile(filepath.Join(root, "filelists", list), content.Bytes(), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func datasetConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	writeDataset(t, dir, []string{"a.wav", "b.wav"}, []string{"c.wav"})

	cfg := testConfig()
	cfg.DataDir = dir
	cfg.Dataset = "toy"
	cfg.CacheSpectra = filepath.Join(dir, "cache")
	return cfg
}

func TestOpen(t *testing.T) {
	tests := []struct {
		name        string
		loadSpectra string
		prefiltered bool
	}{
		{"memory", "memory", true},
		{"memmap", "memmap", false},
		{"on-demand", "on-demand", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := datasetConfig(t)
			cfg.LoadSpectra = tt.loadSpectra
			cfg.Validation = true

			p, err := Open(context.Background(), cfg, quiet())
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer p.Close()

			if got := Prefilter(cfg, p.Mode); got != tt.prefiltered {
				t.Errorf("Prefilter = %v, want %v", got, tt.prefiltered)
			}
			if p.Train.Len() != 2 || p.Validation == nil || p.Validation.Len() != 1 {
				t.Fatalf("unexpected corpus sizes")
			}
			if n := p.Train.Item(0).Spect.Frames(); n != 100 {
				t.Errorf("item has %d frames, want 100", n)
			}

			for k := 0; k < 10; k++ {
				b, err := p.Next(context.Background())
				if err != nil {
					t.Fatalf("batch %d: %v", k, err)
				}
				if b.Shape != p.Shape || b.Shape.Bins != 16 || b.Shape.Frames != 11 {
					t.Fatalf("unexpected shape %s", b.Shape)
				}
			}

			entries, err := filepath.Glob(filepath.Join(cfg.CacheSpectra, "*.npy"))
			if err != nil || len(entries) != 3 {
				t.Errorf("expected 3 cache entries, got %d (%v)", len(entries), err)
			}
		})
	}
}

func TestOpen_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
	}{
		{"invalid config", func(c *config.Config) { c.BatchSize = 0 }},
		{"unknown load mode", func(c *config.Config) { c.LoadSpectra = "tape" }},
		{"missing dataset", func(c *config.Config) { c.Dataset = "nothing" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := datasetConfig(t)
			tt.modify(&cfg)
			if _, err := Open(context.Background(), cfg, quiet()); !errors.Is(err, config.ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestOpen_Processes(t *testing.T) {
	cfg := datasetConfig(t)
	cfg.LoadSpectra = "memmap"

	threaded, err := Open(context.Background(), cfg, quiet())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	want := collect(t, threaded.Feeder, 10)
	threaded.Close()

	cfg.BGThreads, cfg.BGProcesses = 0, 2
	deps := quiet()
	deps.Launcher = Launcher{
		Path: os.Args[0],
		Args: []string{"-test.run=^$"},
		Env:  []string{"PIPELINE_TEST_WORKER=1"},
	}
	p, err := Open(context.Background(), cfg, deps)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()

	if s := p.Feeder.Stats(); s.Mode != feeder.ModeProcesses || s.Workers != 2 {
		t.Fatalf("unexpected feeder %+v", s)
	}
	got := collect(t, p.Feeder, 10)
	if !sameBatches(got, want) {
		t.Error("worker processes and threads produced different batches")
	}
}

func TestLoadCorpus_Store(t *testing.T) {
	cfg := datasetConfig(t)
	cfg.LoadSpectra = "memmap"

	c, err := LoadCorpus(context.Background(), cfg, quiet())
	if err != nil {
		t.Fatalf("LoadCorpus failed: %v", err)
	}
	if c.Mode != cache.ModeMmap || c.Validation != nil {
		t.Errorf("unexpected corpus %+v", c)
	}
	if st := c.Store.Stats(); st.Computes != 2 {
		t.Errorf("expected 2 computes, got %d", st.Computes)
	}
	c.Close()

	again, err := LoadCorpus(context.Background(), cfg, quiet())
	if err != nil {
		t.Fatalf("second LoadCorpus failed: %v", err)
	}
	defer again.Close()
	if st := again.Store.Stats(); st.Computes != 0 {
		t.Errorf("expected cache hits only, got %d computes", st.Computes)
	}
}
