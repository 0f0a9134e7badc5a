package feeder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Environment passed to worker processes.
const (
	EnvRunID    = "SPECTROFEED_RUN_ID"
	EnvCompress = "SPECTROFEED_WIRE_COMPRESSION"
)

// WorkerCompression reports whether the feeder that started this worker
// process expects compressed frames.
func WorkerCompression() bool {
	return os.Getenv(EnvCompress) == "1"
}

// stderrTail is how much of a worker's stderr is kept for error reports.
const stderrTail = 4096

// worker is one running worker process.
type worker struct {
	index  int
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer

	once sync.Once
}

// startWorker launches the worker process of p and a goroutine that moves
// its batches into queue index.
func (f *Feeder) startWorker(ctx context.Context, index int, p Transferable) (*worker, error) {
	spec, err := p.Command(index)
	if err != nil {
		return nil, fmt.Errorf("failed to describe worker: %w", err)
	}

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env, EnvRunID+"="+f.runID)
	if f.opts.Compress {
		cmd.Env = append(cmd.Env, EnvCompress+"=1")
	} else {
		cmd.Env = append(cmd.Env, EnvCompress+"=0")
	}
	// Ask for a clean exit first; the process is killed after WaitDelay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = f.opts.WaitDelay

	w := &worker{index: index, cmd: cmd, stderr: &tailBuffer{max: stderrTail}}
	cmd.Stderr = w.stderr

	// Set up both pipes before starting the process.
	if w.stdin, err = cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	if err := WritePayload(w.stdin, spec.Stdin); err != nil {
		w.closeStdin()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("failed to send worker payload: %w", err)
	}

	f.logger.Debug("Started worker process", "index", index, "pid", cmd.Process.Pid)

	f.wg.Add(1)
	go f.readWorker(ctx, w, stdout)
	return w, nil
}

// readWorker decodes frames from the worker's stdout into its queue and
// reaps the process when the stream ends.
func (f *Feeder) readWorker(ctx context.Context, w *worker, stdout io.Reader) {
	defer f.wg.Done()

	r := NewReader(stdout)
	defer r.Close()

	q := f.queues[w.index]
	var streamErr error
	for {
		b, err := r.Next()
		if err != nil {
			streamErr = err
			break
		}
		if err := q.Enqueue(ctx, b); err != nil {
			break
		}
		f.produced.Add(1)
	}

	// A worker that broke the protocol cannot be trusted to stop writing.
	var remote *RemoteError
	if streamErr != nil && !errors.Is(streamErr, io.EOF) && !errors.As(streamErr, &remote) {
		_ = w.cmd.Process.Kill()
	}
	// Drain so that a worker blocked on a full pipe can observe shutdown.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := w.cmd.Wait()

	if ctx.Err() != nil {
		f.logger.Debug("Worker process stopped", "index", w.index, "err", waitErr)
		return
	}

	switch {
	case remote != nil:
		f.fail(&WorkerError{Index: w.index, Err: remote})
	case streamErr != nil && !errors.Is(streamErr, io.EOF):
		f.fail(&WorkerError{Index: w.index, Err: w.exitError(errors.Join(streamErr, waitErr))})
	default:
		if waitErr == nil {
			waitErr = errors.New("exited unexpectedly")
		}
		f.fail(&WorkerError{Index: w.index, Err: w.exitError(waitErr)})
	}
}

func (w *worker) exitError(err error) error {
	if tail := strings.TrimSpace(w.stderr.String()); tail != "" {
		return fmt.Errorf("%w\nstderr: %s", err, tail)
	}
	return err
}

// closeStdin ends the worker's liveness channel.
func (w *worker) closeStdin() {
	w.once.Do(func() {
		_ = w.stdin.Close()
	})
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
