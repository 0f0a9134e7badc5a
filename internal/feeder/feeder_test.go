package feeder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/spectrofeed/spectrofeed/internal/batch"
	"github.com/spectrofeed/spectrofeed/internal/config"
)

var errBoom = errors.New("boom")

// seqProducer emits single-value batches id*1000+n for n = 0, 1, ...
type seqProducer struct {
	ID        int  `json:"id"`
	FailAfter int  `json:"fail_after"` // negative never fails
	Crash     bool `json:"crash"`
	n         int

	// RunID, when set, is checked against the worker environment.
	RunID string `json:"run_id,omitempty"`
}

func (p *seqProducer) Produce(ctx context.Context) (*batch.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.FailAfter >= 0 && p.n >= p.FailAfter {
		if p.Crash {
			fmt.Fprintln(os.Stderr, "worker crashed hard")
			os.Exit(3)
		}
		return nil, errBoom
	}
	b := batch.New(1, batch.Shape{Frames: 1, Bins: 1, LabelFrames: 1})
	b.Data[0] = float32(p.ID*1000 + p.n)
	b.Labels[0] = p.n%2 == 0
	p.n++
	return b, nil
}

// helperProducer runs a seqProducer in a re-executed test binary.
type helperProducer struct {
	seqProducer
}

func (p *helperProducer) Command(index int) (Command, error) {
	payload, err := json.Marshal(&p.seqProducer)
	if err != nil {
		return Command{}, err
	}
	return Command{
		Path:  os.Args[0],
		Args:  []string{"-test.run=^$"},
		Env:   []string{"FEEDER_TEST_HELPER=1"},
		Stdin: payload,
	}, nil
}

// blockingProducer blocks until its context is done.
type blockingProducer struct{}

func (blockingProducer) Produce(ctx context.Context) (*batch.Batch, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestMain(m *testing.M) {
	if os.Getenv("FEEDER_TEST_HELPER") == "1" {
		os.Exit(runHelper())
	}
	os.Exit(m.Run())
}

func runHelper() int {
	payload, err := ReadPayload(os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var p seqProducer
	if err := json.Unmarshal(payload, &p); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if p.RunID != "" && os.Getenv(EnvRunID) != p.RunID {
		fmt.Fprintf(os.Stderr, "run id %q, want %q\n", os.Getenv(EnvRunID), p.RunID)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := Serve(ctx, &p, os.Stdin, os.Stdout, WorkerCompression()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func quietOptions(mode Mode) Options {
	return Options{Mode: mode, QueueDepth: 3, Logger: log.New(io.Discard)}
}

func seqProducers(n int) []Producer {
	ps := make([]Producer, n)
	for i := range ps {
		ps[i] = &seqProducer{ID: i, FailAfter: -1}
	}
	return ps
}

func expectSequence(t *testing.T, f *Feeder, workers, count int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for k := 0; k < count; k++ {
		b, err := f.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d failed: %v", k, err)
		}
		want := float32((k%workers)*1000 + k/workers)
		if b.Data[0] != want {
			t.Fatalf("batch %d: got %v, want %v", k, b.Data[0], want)
		}
		if b.Labels[0] != ((k/workers)%2 == 0) {
			t.Fatalf("batch %d: wrong label", k)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name      string
		producers []Producer
		opts      Options
	}{
		{"no producers", nil, Options{Mode: ModeThreads}},
		{"negative depth", seqProducers(1), Options{Mode: ModeThreads, QueueDepth: -1}},
		{"unknown mode", seqProducers(1), Options{Mode: Mode(9)}},
		{"processes need transferable producers", seqProducers(2), Options{Mode: ModeProcesses}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.producers, tt.opts)
			if !errors.Is(err, config.ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestFeeder_Sync(t *testing.T) {
	f, err := New(seqProducers(3), quietOptions(ModeSync))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Close()

	if _, err := f.Next(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	expectSequence(t, f, 3, 30)

	s := f.Stats()
	if s.Produced != 30 || s.Consumed != 30 || s.Workers != 3 || len(s.Queues) != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestFeeder_ThreadsRoundRobin(t *testing.T) {
	f, err := New(seqProducers(4), quietOptions(ModeThreads))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Close()

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	expectSequence(t, f, 4, 400)

	for i, q := range f.Stats().Queues {
		if q.PeakSize > 3 {
			t.Errorf("queue %d exceeded its depth: %d", i, q.PeakSize)
		}
	}
}

func TestFeeder_WorkerError(t *testing.T) {
	tests := []struct {
		name string
		mode Mode
	}{
		{"sync", ModeSync},
		{"threads", ModeThreads},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps := seqProducers(2)
			ps[1].(*seqProducer).FailAfter = 2

			f, err := New(ps, quietOptions(tt.mode))
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			defer f.Close()
			if err := f.Start(context.Background()); err != nil {
				t.Fatalf("Start failed: %v", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			var got error
			for k := 0; k < 100 && got == nil; k++ {
				_, got = f.Next(ctx)
			}

			var werr *WorkerError
			if !errors.As(got, &werr) || werr.Index != 1 || !errors.Is(got, errBoom) {
				t.Fatalf("expected worker 1 to fail with errBoom, got %v", got)
			}
			if _, err := f.Next(ctx); !errors.Is(err, errBoom) {
				t.Errorf("expected the recorded error again, got %v", err)
			}
		})
	}
}

func TestFeeder_PanicBecomesWorkerError(t *testing.T) {
	f, err := New([]Producer{panicProducer{}}, quietOptions(ModeThreads))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Close()
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = f.Next(ctx)
	var werr *WorkerError
	if !errors.As(err, &werr) || !strings.Contains(err.Error(), "panic") {
		t.Errorf("expected a panic worker error, got %v", err)
	}
}

type panicProducer struct{}

func (panicProducer) Produce(context.Context) (*batch.Batch, error) {
	panic("out of range")
}

func TestFeeder_CloseUnblocksNext(t *testing.T) {
	f, err := New([]Producer{blockingProducer{}}, quietOptions(ModeThreads))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.Next(context.Background())
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Next still blocked after Close")
	}

	if err := f.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err := f.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Start, got %v", err)
	}
}

func TestFeeder_NextHonorsContext(t *testing.T) {
	f, err := New([]Producer{blockingProducer{}}, quietOptions(ModeThreads))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Close()
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := f.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestFeeder_All(t *testing.T) {
	f, err := New(seqProducers(2), quietOptions(ModeThreads))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Close()
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	n := 0
	for b, err := range f.All(context.Background()) {
		if err != nil {
			t.Fatalf("iteration failed: %v", err)
		}
		if want := float32((n%2)*1000 + n/2); b.Data[0] != want {
			t.Fatalf("batch %d: got %v, want %v", n, b.Data[0], want)
		}
		n++
		if n == 10 {
			break
		}
	}
	if n != 10 {
		t.Errorf("iterated %d batches", n)
	}
}

func TestFeeder_RunID(t *testing.T) {
	a, err := New(seqProducers(1), quietOptions(ModeSync))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	b, err := New(seqProducers(1), quietOptions(ModeSync))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := uuid.Parse(a.RunID()); err != nil {
		t.Errorf("run id %q is not a UUID: %v", a.RunID(), err)
	}
	if a.RunID() == b.RunID() {
		t.Errorf("two feeders share run id %s", a.RunID())
	}
}

func helperProducers(n int) []Producer {
	ps := make([]Producer, n)
	for i := range ps {
		ps[i] = &helperProducer{seqProducer{ID: i, FailAfter: -1}}
	}
	return ps
}

func TestFeeder_Processes(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress=%v", compress), func(t *testing.T) {
			opts := quietOptions(ModeProcesses)
			opts.Compress = compress
			opts.WaitDelay = 2 * time.Second

			ps := helperProducers(2)
			f, err := New(ps, opts)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			for _, p := range ps {
				p.(*helperProducer).RunID = f.RunID()
			}
			if err := f.Start(context.Background()); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			expectSequence(t, f, 2, 50)

			closed := make(chan error, 1)
			go func() { closed <- f.Close() }()
			select {
			case err := <-closed:
				if err != nil {
					t.Errorf("Close failed: %v", err)
				}
			case <-time.After(10 * time.Second):
				t.Fatal("Close did not return")
			}
		})
	}
}

func TestFeeder_ProcessErrors(t *testing.T) {
	tests := []struct {
		name  string
		crash bool
		want  string
	}{
		{"error frame", false, errBoom.Error()},
		{"abnormal exit", true, "worker crashed hard"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps := helperProducers(2)
			ps[0].(*helperProducer).FailAfter = 3
			ps[0].(*helperProducer).Crash = tt.crash

			opts := quietOptions(ModeProcesses)
			opts.WaitDelay = 2 * time.Second
			f, err := New(ps, opts)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			defer f.Close()
			if err := f.Start(context.Background()); err != nil {
				t.Fatalf("Start failed: %v", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			var got error
			for k := 0; k < 100 && got == nil; k++ {
				_, got = f.Next(ctx)
			}

			var werr *WorkerError
			if !errors.As(got, &werr) || werr.Index != 0 {
				t.Fatalf("expected worker 0 to fail, got %v", got)
			}
			if !strings.Contains(got.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", got, tt.want)
			}
		})
	}
}
