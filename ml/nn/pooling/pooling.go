package pooling

import (
	"fmt"

	"github.com/liger-go/liger/ml"
)

// AdaptiveAvg1D average pools the innermost dimension of t to size bins.
// Bin i covers [floor(i*L/size), ceil((i+1)*L/size)) so every input element
// falls in at least one bin, whatever the ratio of L to size.
func AdaptiveAvg1D(ctx ml.Context, t *ml.Tensor, size int) *ml.Tensor {
	width := t.Dim(-1)
	if size <= 0 || width == 0 {
		panic(fmt.Errorf("%w: adaptive pool %v to %d", ml.ErrShape, t.Shape(), size))
	}

	if width == size {
		return t
	}

	starts := make([]int, size)
	ends := make([]int, size)
	for i := range size {
		starts[i] = i * width / size
		ends[i] = ((i+1)*width + size - 1) / size
	}

	src := t.Floats()
	rows := len(src) / width
	out := make([]float32, rows*size)
	for r := range rows {
		row := src[r*width:][:width]
		for i := range size {
			var sum float64
			for _, v := range row[starts[i]:ends[i]] {
				sum += float64(v)
			}
			out[r*size+i] = float32(sum / float64(ends[i]-starts[i]))
		}
	}

	shape := t.Shape()
	shape[len(shape)-1] = size
	p, err := ml.FromFloatsDType(out, t.DType(), shape...)
	if err != nil {
		panic(err)
	}
	return p
}
