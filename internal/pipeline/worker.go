package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spectrofeed/spectrofeed/internal/feeder"
)

// RunWorker is the body of a worker process. It reads a WorkerSpec from
// stdin, rebuilds the corpus from the cache and serves batches on stdout
// until stdin is closed or ctx is done.
func RunWorker(ctx context.Context, stdin io.Reader, stdout io.Writer, deps Deps) error {
	payload, err := feeder.ReadPayload(stdin)
	if err != nil {
		return err
	}
	var spec WorkerSpec
	if err := json.Unmarshal(payload, &spec); err != nil {
		return fmt.Errorf("decoding worker spec: %w", err)
	}
	cfg := spec.Config
	if err := cfg.Validate(); err != nil {
		return err
	}

	deps = deps.withDefaults(cfg)
	if run := os.Getenv(feeder.EnvRunID); len(run) >= 8 {
		deps.Logger = deps.Logger.With("run", run[:8])
	}
	deps.Logger = deps.Logger.With("worker", spec.Index)

	c, err := LoadCorpus(ctx, cfg, deps)
	if err != nil {
		return err
	}
	defer c.Close() //nolint:errcheck

	train := c.Train
	prefiltered := Prefilter(cfg, c.Mode)
	if prefiltered {
		if train, err = prefilterIndex(train, cfg.SplineOrder); err != nil {
			return err
		}
	}
	d, err := newDatafeed(cfg, train, spec.Index, prefiltered)
	if err != nil {
		return err
	}

	deps.Logger.Debug("Worker serving", "shape", d.Shape())
	return feeder.Serve(ctx, d, stdin, stdout, feeder.WorkerCompression())
}
