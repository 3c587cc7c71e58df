package workload

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/sarchlab/opprof/hooking"
	"github.com/sarchlab/opprof/timing"
)

// ErrShapeMismatch is returned when the inputs of an operation do not fit
// together.
var ErrShapeMismatch = errors.New("shape mismatch")

// A KernelLauncher receives the device kernels that operations launch.
type KernelLauncher interface {
	LaunchKernel(
		threadID uint64,
		name string,
		device int64,
		startUs, durationUs uint64,
	)
}

// An Engine runs tensor operations. Every operation is observed through the
// callbacks of the thread it runs on.
type Engine struct {
	launcher   KernelLauncher
	device     int64
	timeTeller timing.TimeTeller
	lastSeqNr  atomic.Int64
	logger     zerolog.Logger
}

// NewEngine creates an engine that computes on the host only.
func NewEngine() *Engine {
	return &Engine{
		timeTeller: timing.Default(),
		logger:     zerolog.Nop(),
	}
}

// WithLauncher makes every operation also launch a kernel on device.
func (e *Engine) WithLauncher(l KernelLauncher, device int64) *Engine {
	e.launcher = l
	e.device = device

	return e
}

// WithTimeTeller sets the clock used to timestamp kernel launches.
func (e *Engine) WithTimeTeller(tt timing.TimeTeller) *Engine {
	e.timeTeller = tt
	return e
}

// WithLogger sets the logger.
func (e *Engine) WithLogger(logger zerolog.Logger) *Engine {
	e.logger = logger
	return e
}

// MatMul multiplies two matrices.
func (e *Engine) MatMul(t *hooking.Thread, a, b *Tensor) (*Tensor, error) {
	return e.matMul(t, nil, a, b)
}

// Add adds two tensors of the same shape.
func (e *Engine) Add(t *hooking.Thread, a, b *Tensor) (*Tensor, error) {
	return e.add(t, nil, a, b)
}

// ReLU clamps the negative elements of a tensor to zero.
func (e *Engine) ReLU(t *hooking.Thread, a *Tensor) (*Tensor, error) {
	return e.relu(t, nil, a)
}

func (e *Engine) matMul(
	t *hooking.Thread,
	tape *Tape,
	a, b *Tensor,
) (*Tensor, error) {
	var out *Tensor

	err := e.forward(t, tape, "aten::matmul", []any{a, b}, func() error {
		if len(a.shape) != 2 || len(b.shape) != 2 || a.shape[1] != b.shape[0] {
			return fmt.Errorf("matmul %v by %v: %w",
				a.shape, b.shape, ErrShapeMismatch)
		}

		m, k, n := a.shape[0], a.shape[1], b.shape[1]
		out = NewTensor(m, n)

		for i := int64(0); i < m; i++ {
			for j := int64(0); j < n; j++ {
				sum := 0.0
				for p := int64(0); p < k; p++ {
					sum += a.data[i*k+p] * b.data[p*n+j]
				}

				out.data[i*n+j] = sum
			}
		}

		e.launch(t, "gemm_kernel", uint64(m*n*k))

		return nil
	})

	return out, err
}

func (e *Engine) add(
	t *hooking.Thread,
	tape *Tape,
	a, b *Tensor,
) (*Tensor, error) {
	var out *Tensor

	err := e.forward(t, tape, "aten::add", []any{a, b}, func() error {
		if !sameShape(a, b) {
			return fmt.Errorf("add %v to %v: %w",
				a.shape, b.shape, ErrShapeMismatch)
		}

		out = NewTensor(a.shape...)
		for i := range a.data {
			out.data[i] = a.data[i] + b.data[i]
		}

		e.launch(t, "elementwise_kernel", uint64(len(a.data)))

		return nil
	})

	return out, err
}

func (e *Engine) relu(t *hooking.Thread, tape *Tape, a *Tensor) (*Tensor, error) {
	var out *Tensor

	err := e.forward(t, tape, "aten::relu", []any{a}, func() error {
		out = NewTensor(a.shape...)
		for i, v := range a.data {
			if v > 0 {
				out.data[i] = v
			}
		}

		e.launch(t, "elementwise_kernel", uint64(len(a.data)))

		return nil
	})

	return out, err
}

// forward runs a forward operation with a fresh sequence number and
// remembers it on tape so that its backward counterpart can be run later.
func (e *Engine) forward(
	t *hooking.Thread,
	tape *Tape,
	name string,
	inputs []any,
	body func() error,
) error {
	seqNr := e.lastSeqNr.Add(1)

	fn := hooking.NewRecordFunction(name, hooking.ScopeFunction).
		WithSequenceNr(seqNr).
		WithInputs(inputs...)

	err := t.Run(fn, body)
	if err != nil {
		return err
	}

	tape.record(name, seqNr, t.ID())

	return nil
}

// Backward runs the backward counterpart of every operation on tape, most
// recent first.
func (e *Engine) Backward(t *hooking.Thread, tape *Tape) error {
	entries := tape.Entries()

	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		fn := hooking.NewRecordFunction(
			backwardName(entry.Name), hooking.ScopeBackwardFunction).
			WithSequenceNr(entry.SequenceNr).
			WithForwardThreadID(entry.ThreadID)

		err := t.Run(fn, func() error {
			e.launch(t, "backward_kernel", 1)
			return nil
		})
		if err != nil {
			return err
		}
	}

	e.logger.Debug().
		Uint64("thread", t.ID()).
		Int("ops", len(entries)).
		Msg("backward done")

	return nil
}

// launch reports a kernel that takes roughly one microsecond per thousand
// units of work.
func (e *Engine) launch(t *hooking.Thread, kernel string, work uint64) {
	if e.launcher == nil {
		return
	}

	e.launcher.LaunchKernel(t.ID(), kernel, e.device,
		e.timeTeller.NowUs(), work/1000+1)
}
