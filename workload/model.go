package workload

import (
	"fmt"

	"github.com/sarchlab/opprof/hooking"
)

// A Linear layer multiplies its input by a weight matrix and adds a bias.
type Linear struct {
	Name   string
	Weight *Tensor
	Bias   *Tensor
	ReLU   bool
}

// An MLP is a stack of linear layers.
type MLP struct {
	engine *Engine
	layers []Linear
}

// NewMLP creates a model whose layer widths follow dims. A model with
// dims 4, 8, 2 has two layers, 4 by 8 and 8 by 2. All layers but the last
// are followed by a ReLU.
func NewMLP(engine *Engine, batch int64, dims ...int64) *MLP {
	if len(dims) < 2 {
		panic("an MLP needs at least two dimensions")
	}

	m := &MLP{engine: engine}
	for i := 0; i+1 < len(dims); i++ {
		m.layers = append(m.layers, Linear{
			Name:   fmt.Sprintf("linear%d", i),
			Weight: Full(0.5, dims[i], dims[i+1]),
			Bias:   Full(0.1, batch, dims[i+1]),
			ReLU:   i+2 < len(dims),
		})
	}

	return m
}

// Layers returns the layers of the model.
func (m *MLP) Layers() []Linear {
	return m.layers
}

// Forward runs the model on x. Each layer is run inside a script frame
// named after the layer, and the forward operations are recorded on tape.
func (m *MLP) Forward(t *hooking.Thread, tape *Tape, x *Tensor) (*Tensor, error) {
	var err error

	for i, l := range m.layers {
		x, err = m.forwardLayer(t, tape, i, l, x)
		if err != nil {
			return nil, err
		}
	}

	return x, nil
}

func (m *MLP) forwardLayer(
	t *hooking.Thread,
	tape *Tape,
	index int,
	l Linear,
	x *Tensor,
) (*Tensor, error) {
	t.PushFrame(hooking.Frame{
		Filename: "mlp",
		Line:     index,
		FuncName: l.Name,
	})
	defer t.PopFrame()

	fn := hooking.NewRecordFunction(l.Name, hooking.ScopeUserScope)

	var out *Tensor

	err := t.Run(fn, func() error {
		y, err := m.engine.matMul(t, tape, x, l.Weight)
		if err != nil {
			return err
		}

		y, err = m.engine.add(t, tape, y, l.Bias)
		if err != nil {
			return err
		}

		if l.ReLU {
			y, err = m.engine.relu(t, tape, y)
			if err != nil {
				return err
			}
		}

		out = y

		return nil
	})

	return out, err
}
