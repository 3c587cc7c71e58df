// Package workload provides a small operator engine that runs tensor
// operations on hooking threads. It stands in for a real framework when
// exercising the profiler.
package workload

import (
	"fmt"
	"strconv"
	"strings"
)

// A Tensor is a dense row-major array of float64.
type Tensor struct {
	shape []int64
	data  []float64
}

// NewTensor creates a zero-filled tensor with the given shape.
func NewTensor(shape ...int64) *Tensor {
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("negative dimension %d", d))
		}

		n *= d
	}

	s := make([]int64, len(shape))
	copy(s, shape)

	return &Tensor{shape: s, data: make([]float64, n)}
}

// Full creates a tensor filled with v.
func Full(v float64, shape ...int64) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = v
	}

	return t
}

// Sizes returns the dimensions of the tensor.
func (t *Tensor) Sizes() []int64 {
	return t.shape
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int {
	return len(t.data)
}

// Data returns the elements in row-major order.
func (t *Tensor) Data() []float64 {
	return t.data
}

// At returns the element at a 2-D index.
func (t *Tensor) At(i, j int64) float64 {
	return t.data[i*t.shape[1]+j]
}

// ParseShape parses a shape such as "2x3".
func ParseShape(s string) ([]int64, error) {
	parts := strings.Split(strings.TrimSpace(s), "x")
	shape := make([]int64, 0, len(parts))

	for _, p := range parts {
		d, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid shape %q", s)
		}

		shape = append(shape, d)
	}

	return shape, nil
}

func sameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}

	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}

	return true
}
