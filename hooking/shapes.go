package hooking

import (
	"strconv"
	"strings"
)

// A Sized value reports the dimensions of a tensor-like argument.
type Sized interface {
	Sizes() []int64
}

// InputSizes returns the dimensions of every argument of fn, in argument
// order. Arguments that are not Sized have no dimensions. It returns nil if
// the arguments are not available or an argument fails to report its
// dimensions.
func InputSizes(fn *RecordFunction) (shapes [][]int64) {
	inputs := fn.Inputs()
	if len(inputs) == 0 {
		return nil
	}

	defer func() {
		if recover() != nil {
			shapes = nil
		}
	}()

	shapes = make([][]int64, 0, len(inputs))
	for _, in := range inputs {
		sized, ok := in.(Sized)
		if !ok || sized == nil {
			shapes = append(shapes, []int64{})
			continue
		}

		sizes := sized.Sizes()
		dims := make([]int64, len(sizes))
		copy(dims, sizes)
		shapes = append(shapes, dims)
	}

	return shapes
}

// ShapesToStr formats shapes as a nested list, for example
// "[[2, 3], [3, 4]]".
func ShapesToStr(shapes [][]int64) string {
	b := strings.Builder{}

	b.WriteByte('[')
	for i, shape := range shapes {
		if i > 0 {
			b.WriteString(", ")
		}

		b.WriteByte('[')
		for j, dim := range shape {
			if j > 0 {
				b.WriteString(", ")
			}

			b.WriteString(strconv.FormatInt(dim, 10))
		}
		b.WriteByte(']')
	}
	b.WriteByte(']')

	return b.String()
}
