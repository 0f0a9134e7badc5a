// Package feeder turns one or more batch producers into a single pull-based
// stream. Producers run on the consumer's goroutine, in background
// goroutines, or in separate worker processes; background producers fill
// bounded per-worker queues that the consumer drains in strict round-robin
// order.
package feeder

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/spectrofeed/spectrofeed/internal/batch"
	"github.com/spectrofeed/spectrofeed/internal/config"
	"github.com/spectrofeed/spectrofeed/internal/queue"
)

var (
	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("feeder is closed")

	// ErrNotStarted is returned by Next before Start.
	ErrNotStarted = errors.New("feeder is not started")
)

// Mode selects where producers run.
type Mode int

const (
	ModeSync Mode = iota
	ModeThreads
	ModeProcesses
)

func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeThreads:
		return "threads"
	case ModeProcesses:
		return "processes"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Producer produces batches. Implementations need not be safe for
// concurrent use: the feeder never calls one producer from two goroutines.
type Producer interface {
	Produce(ctx context.Context) (*batch.Batch, error)
}

// Command describes how to start the worker process of a producer. Stdin
// is delivered with WritePayload; the rest of the worker's stdin stays open
// until the feeder closes.
type Command struct {
	Path  string
	Args  []string
	Env   []string
	Stdin []byte
}

// Transferable is a Producer that can be rebuilt in a worker process.
type Transferable interface {
	Producer
	Command(index int) (Command, error)
}

// WorkerError reports the failure of one producer.
type WorkerError struct {
	Index int
	Err   error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %d: %v", e.Index, e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

// Options configure a Feeder.
type Options struct {
	Mode Mode

	// QueueDepth is the capacity of each worker's queue in the background
	// modes. Zero selects 5.
	QueueDepth int

	// Compress enables zstd compression of worker process streams.
	Compress bool

	// WaitDelay bounds how long a worker process may take to exit after an
	// interrupt before it is killed. Zero selects 5 seconds.
	WaitDelay time.Duration

	Logger *log.Logger
}

// Stats summarizes a feeder's activity.
type Stats struct {
	Mode     Mode
	Workers  int
	Produced int64
	Consumed int64
	Queues   []queue.Stats
}

// Feeder merges the output of its producers.
type Feeder struct {
	producers []Producer
	opts      Options
	logger    *log.Logger
	runID     string
	queues    []*queue.Queue[*batch.Batch]

	// next is the producer or queue the consumer reads from.
	consumer sync.Mutex
	next     int

	mu      sync.Mutex
	started bool
	closed  bool
	err     error
	cancel  context.CancelFunc
	workers []*worker

	wg       sync.WaitGroup
	produced atomic.Int64
	consumed atomic.Int64
}

// New validates the options against the producers. No worker runs before
// Start.
func New(producers []Producer, opts Options) (*Feeder, error) {
	if len(producers) == 0 {
		return nil, fmt.Errorf("%w: no producers", config.ErrConfiguration)
	}
	if opts.QueueDepth < 0 {
		return nil, fmt.Errorf("%w: negative queue depth %d", config.ErrConfiguration, opts.QueueDepth)
	}
	if opts.QueueDepth == 0 {
		opts.QueueDepth = 5
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	switch opts.Mode {
	case ModeSync, ModeThreads:
	case ModeProcesses:
		for i, p := range producers {
			if _, ok := p.(Transferable); !ok {
				return nil, fmt.Errorf("%w: producer %d (%T) cannot run in a worker process",
					config.ErrConfiguration, i, p)
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown mode %s", config.ErrConfiguration, opts.Mode)
	}

	f := &Feeder{
		producers: producers,
		opts:      opts,
		runID:     uuid.NewString(),
	}
	f.logger = opts.Logger.WithPrefix("feeder").With("run", f.runID[:8])
	if opts.Mode != ModeSync {
		f.queues = make([]*queue.Queue[*batch.Batch], len(producers))
		for i := range f.queues {
			f.queues[i] = queue.New[*batch.Batch](opts.QueueDepth)
		}
	}
	return f, nil
}

// RunID identifies this feeder to its worker processes.
func (f *Feeder) RunID() string {
	return f.runID
}

// Start launches the background workers. The workers stop when ctx is
// done or the feeder is closed.
func (f *Feeder) Start(ctx context.Context) error {
	f.mu.Lock()
	switch {
	case f.closed:
		f.mu.Unlock()
		return ErrClosed
	case f.started:
		f.mu.Unlock()
		return errors.New("feeder already started")
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.started = true
	f.mu.Unlock()

	f.logger.Debug("Starting feeder", "mode", f.opts.Mode, "workers", len(f.producers), "depth", f.opts.QueueDepth)

	switch f.opts.Mode {
	case ModeThreads:
		for i, p := range f.producers {
			f.wg.Add(1)
			go f.runProducer(ctx, i, p)
		}
	case ModeProcesses:
		for i, p := range f.producers {
			w, err := f.startWorker(ctx, i, p.(Transferable))
			if err != nil {
				_ = f.Close()
				return &WorkerError{Index: i, Err: err}
			}
			f.mu.Lock()
			f.workers = append(f.workers, w)
			f.mu.Unlock()
		}
	}
	return nil
}

// runProducer fills queue i from p until the feeder stops.
func (f *Feeder) runProducer(ctx context.Context, i int, p Producer) {
	defer f.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			f.fail(&WorkerError{Index: i, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	q := f.queues[i]
	for {
		b, err := p.Produce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.fail(&WorkerError{Index: i, Err: err})
			}
			return
		}
		if err := q.Enqueue(ctx, b); err != nil {
			return
		}
		f.produced.Add(1)
	}
}

// fail records the first worker error and stops every worker.
func (f *Feeder) fail(err error) {
	f.mu.Lock()
	first := f.err == nil
	if first {
		f.err = err
	}
	cancel := f.cancel
	f.mu.Unlock()

	if !first {
		return
	}
	f.logger.Error("Worker failed", "err", err)
	if cancel != nil {
		cancel()
	}
	for _, q := range f.queues {
		q.Close()
	}
}

// Next returns the next batch. Background queues are visited in strict
// round-robin order, so a fixed set of seeded producers yields a fixed
// sequence. After a worker fails, Next returns its *WorkerError.
func (f *Feeder) Next(ctx context.Context) (*batch.Batch, error) {
	f.consumer.Lock()
	defer f.consumer.Unlock()

	f.mu.Lock()
	started, closed, err := f.started, f.closed, f.err
	f.mu.Unlock()
	switch {
	case err != nil:
		return nil, err
	case closed:
		return nil, ErrClosed
	case !started:
		return nil, ErrNotStarted
	}

	i := f.next
	var b *batch.Batch
	if f.opts.Mode == ModeSync {
		b, err = f.producers[i].Produce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			werr := &WorkerError{Index: i, Err: err}
			f.fail(werr)
			return nil, werr
		}
		f.produced.Add(1)
	} else {
		b, err = f.queues[i].Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				return nil, f.closedErr()
			}
			return nil, err
		}
	}

	f.next = (i + 1) % len(f.producers)
	f.consumed.Add(1)
	return b, nil
}

// closedErr explains why the queues were closed.
func (f *Feeder) closedErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	return ErrClosed
}

// All returns an iterator over batches. It stops after the first error,
// which it yields with a nil batch.
func (f *Feeder) All(ctx context.Context) iter.Seq2[*batch.Batch, error] {
	return func(yield func(*batch.Batch, error) bool) {
		for {
			b, err := f.Next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(b, nil) {
				return
			}
		}
	}
}

// Close stops every worker and waits for it to exit. It is safe to call
// more than once.
func (f *Feeder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	cancel := f.cancel
	workers := f.workers
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, q := range f.queues {
		q.Close()
	}
	for _, w := range workers {
		w.closeStdin()
	}
	f.wg.Wait()

	f.logger.Debug("Feeder closed", "produced", f.produced.Load(), "consumed", f.consumed.Load())
	return nil
}

// Stats returns a snapshot of the feeder's counters.
func (f *Feeder) Stats() Stats {
	s := Stats{
		Mode:     f.opts.Mode,
		Workers:  len(f.producers),
		Produced: f.produced.Load(),
		Consumed: f.consumed.Load(),
	}
	for _, q := range f.queues {
		s.Queues = append(s.Queues, q.Stats())
	}
	return s
}
