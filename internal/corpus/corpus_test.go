package corpus

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/spectrofeed/spectrofeed/internal/cache"
	"github.com/spectrofeed/spectrofeed/internal/config"
	"github.com/spectrofeed/spectrofeed/internal/spect"
)

type fakeExtractor struct {
	frames map[string]int
	calls  atomic.Int64
}

func (f *fakeExtractor) Extract(path string) (*spect.Spectrogram, error) {
	f.calls.Add(1)
	n, ok := f.frames[filepath.Base(path)]
	if !ok {
		return nil, errors.New("no such audio")
	}
	s := spect.Zeros(n, 3)
	for i := range s.Data {
		s.Data[i] = float32(i)
	}
	return s, nil
}

func (f *fakeExtractor) Params() string { return "fake" }

func writeDataset(t *testing.T, files map[string]int, labels map[string]string) Dataset {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"filelists", "audio", "labels"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatalf("MkdirAll failed: %v", err)
		}
	}

	var list strings.Builder
	for name := range files {
		list.WriteString(name + "\n\n")
	}
	if err := os.WriteFile(filepath.Join(root, "filelists", "train"), []byte(list.String()), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	for name, lab := range labels {
		if err := os.WriteFile(filepath.Join(root, "labels", name), []byte(lab), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}
	return Dataset{Root: root}
}

func TestIntervalAligner(t *testing.T) {
	ts := FrameTimes(10, 10) // 0.0 .. 0.9
	segs := []Segment{
		{Start: 0.2, End: 0.5, Positive: true},
		{Start: 0.4, End: 0.45, Positive: false},
		{Start: 0.75, End: 5, Positive: true},
	}

	got := IntervalAligner{}.Align(segs, ts)
	want := []bool{false, false, true, true, false, false, false, false, true, true}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestReadSegments(t *testing.T) {
	in := "0.0 1.5 nosing\n\n1.5 3.25 sing\n"
	segs, err := ReadSegments(strings.NewReader(in), "sing")
	if err != nil {
		t.Fatalf("ReadSegments failed: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if segs[0].Positive || !segs[1].Positive || segs[1].End != 3.25 {
		t.Errorf("unexpected segments %+v", segs)
	}

	if _, err := ReadSegments(strings.NewReader("0 1\n"), "sing"); err == nil {
		t.Error("expected error for a short line")
	}
	if _, err := ReadSegments(strings.NewReader("a 1 sing\n"), "sing"); err == nil {
		t.Error("expected error for a bad number")
	}
}

func TestNewIndex_LabelMismatch(t *testing.T) {
	_, err := NewIndex([]*Item{{ID: "a", Spect: spect.Zeros(5, 2), Labels: make([]bool, 4)}})
	if !errors.Is(err, ErrLabels) || !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("expected ErrLabels wrapped in ErrConfiguration, got %v", err)
	}
}

func TestIndex_MapAndStats(t *testing.T) {
	labels := make([]bool, 10)
	labels[0], labels[1] = true, true
	idx, err := NewIndex([]*Item{
		{ID: "a", Spect: spect.Zeros(10, 2), Labels: labels},
		{ID: "b", Spect: spect.Zeros(30, 2), Labels: make([]bool, 30)},
	})
	if err != nil {
		t.Fatalf("NewIndex failed: %v", err)
	}

	st := idx.Stats(20)
	if st.Items != 2 || st.Frames != 40 || st.MinFrames != 10 || st.MaxFrames != 30 {
		t.Errorf("unexpected stats %+v", st)
	}
	if st.MeanFrames != 20 || st.Eligible != 1 || st.StartPositions != 11 {
		t.Errorf("unexpected stats %+v", st)
	}
	if st.PositiveRatio != 0.05 {
		t.Errorf("PositiveRatio = %v, want 0.05", st.PositiveRatio)
	}

	mapped, err := idx.Map(func(it *Item) (spect.Array, error) {
		return spect.Zeros(it.Spect.Frames(), 1), nil
	})
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if mapped.Item(1).Spect.Bins() != 1 || idx.Item(1).Spect.Bins() != 2 {
		t.Error("Map must not modify the original index")
	}
}

func TestLoad(t *testing.T) {
	ds := writeDataset(t,
		map[string]int{"one.wav": 50, "two.wav": 80},
		map[string]string{
			"one.lab": "0 0.5 sing\n",
			"two.lab": "0.1 0.2 nosing\n",
		})
	files, err := ds.ReadFilelist("train")
	if err != nil {
		t.Fatalf("ReadFilelist failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}

	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer store.Close()

	ext := &fakeExtractor{frames: map[string]int{"one.wav": 50, "two.wav": 80}}
	opts := LoadOptions{
		Dataset:       ds,
		Files:         files,
		Store:         store,
		Mode:          cache.ModeOnDemand,
		Extractor:     ext,
		FPS:           10,
		PositiveLabel: "sing",
		Workers:       2,
		Logger:        log.New(io.Discard),
	}

	idx, err := Load(context.Background(), opts)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if idx.Len() != 2 {
		t.Fatalf("got %d items, want 2", idx.Len())
	}
	for i, file := range files {
		it := idx.Item(i)
		if it.ID != file {
			t.Errorf("item %d is %s, want %s", i, it.ID, file)
		}
		if len(it.Labels) != it.Spect.Frames() {
			t.Errorf("%s: %d labels for %d frames", file, len(it.Labels), it.Spect.Frames())
		}
		if file == "one.wav" && (!it.Labels[4] || it.Labels[5]) {
			t.Errorf("one.wav labels misaligned: %v", it.Labels[:6])
		}
	}

	// A second load is served from the cache directory.
	if _, err := Load(context.Background(), opts); err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if ext.calls.Load() != 2 {
		t.Errorf("extractor called %d times, want 2", ext.calls.Load())
	}
}

func TestLoad_MissingLabels(t *testing.T) {
	ds := writeDataset(t, map[string]int{"one.wav": 50}, nil)
	store, err := cache.NewStore("")
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer store.Close()

	_, err = Load(context.Background(), LoadOptions{
		Dataset:   ds,
		Files:     []string{"one.wav"},
		Store:     store,
		Extractor: &fakeExtractor{frames: map[string]int{"one.wav": 50}},
		FPS:       10,
		Logger:    log.New(io.Discard),
	})
	if err == nil || !strings.Contains(err.Error(), "label file") {
		t.Errorf("expected label file error, got %v", err)
	}
}
