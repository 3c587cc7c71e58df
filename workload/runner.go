package workload

import (
	"context"
	"fmt"
	"sync"

	"github.com/sarchlab/opprof/hooking"
)

// RunConfig describes a training-like workload.
type RunConfig struct {
	Threads    int
	Iterations int
	Batch      int64
	Dims       []int64
	Backward   bool
}

// DefaultRunConfig returns a small workload that finishes quickly.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Threads:    2,
		Iterations: 10,
		Batch:      4,
		Dims:       []int64{16, 32, 8},
		Backward:   true,
	}
}

// Run runs the workload on cfg.Threads workers spawned from parent. Each
// worker runs the model cfg.Iterations times. Run returns the first error of
// any worker, or the error of ctx if it is cancelled.
func Run(
	ctx context.Context,
	parent *hooking.Thread,
	engine *Engine,
	cfg RunConfig,
) error {
	if cfg.Threads <= 0 {
		return fmt.Errorf("invalid number of threads %d", cfg.Threads)
	}

	model := NewMLP(engine, cfg.Batch, cfg.Dims...)

	workers := make([]*hooking.Thread, cfg.Threads)
	for i := range workers {
		workers[i] = parent.Spawn()
	}

	errs := make([]error, cfg.Threads)

	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)

		go func(i int, w *hooking.Thread) {
			defer wg.Done()
			errs[i] = runWorker(ctx, w, model, cfg)
		}(i, w)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

func runWorker(
	ctx context.Context,
	t *hooking.Thread,
	model *MLP,
	cfg RunConfig,
) error {
	input := Full(1, cfg.Batch, cfg.Dims[0])

	for i := 0; i < cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		tape := NewTape()

		_, err := model.Forward(t, tape, input)
		if err != nil {
			return err
		}

		if cfg.Backward {
			err = model.engine.Backward(t, tape)
			if err != nil {
				return err
			}
		}
	}

	return nil
}
