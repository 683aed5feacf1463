package ml

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/floats"
)

// broadcast returns the value of t2 that pairs with every element of t. t2
// must either match t's shape or match a suffix of it (a bias or a per
// feature weight), or be a single value.
func broadcast(t, t2 *Tensor) func(i int) float32 {
	switch {
	case len(t2.data) == len(t.data) && t.SameShape(t2):
		return func(i int) float32 { return t2.data[i] }
	case len(t2.data) == 1:
		return func(int) float32 { return t2.data[0] }
	}

	if len(t2.shape) > len(t.shape) {
		shapeError("cannot broadcast %v to %v", t2.shape, t.shape)
	}

	tail := t.shape[len(t.shape)-len(t2.shape):]
	exact := true
	for i, d := range t2.shape {
		if d != tail[i] {
			exact = false
			break
		}
	}
	if exact {
		n := len(t2.data)
		return func(i int) float32 { return t2.data[i%n] }
	}

	// general case: dimensions of t2 are either equal to t's or 1
	offset := len(t.shape) - len(t2.shape)
	tStrides := strides(t.shape)
	t2Strides := strides(t2.shape)
	for i, d := range t2.shape {
		if d != 1 && d != t.shape[offset+i] {
			shapeError("cannot broadcast %v to %v", t2.shape, t.shape)
		}
	}
	return func(i int) float32 {
		src := 0
		for d := range t2.shape {
			if t2.shape[d] == 1 {
				continue
			}
			idx := (i / tStrides[offset+d]) % t.shape[offset+d]
			src += idx * t2Strides[d]
		}
		return t2.data[src]
	}
}

func (t *Tensor) binary(t2 *Tensor, fn func(a, b float32) float32) *Tensor {
	at := broadcast(t, t2)
	dtype := Promote(t.dtype, t2.dtype)
	out := &Tensor{shape: t.Shape(), data: make([]float32, len(t.data)), dtype: dtype}
	for i, v := range t.data {
		out.data[i] = round(dtype, fn(v, at(i)))
	}
	return out
}

func (t *Tensor) Add(_ Context, t2 *Tensor) *Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a + b })
}

func (t *Tensor) Sub(_ Context, t2 *Tensor) *Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a - b })
}

func (t *Tensor) Mul(_ Context, t2 *Tensor) *Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a * b })
}

// Map applies fn elementwise in float64 and rounds to t's dtype.
func (t *Tensor) Map(_ Context, fn func(float64) float64) *Tensor {
	out := &Tensor{shape: t.Shape(), data: make([]float32, len(t.data)), dtype: t.dtype}
	for i, v := range t.data {
		out.data[i] = round(t.dtype, float32(fn(float64(v))))
	}
	return out
}

func (t *Tensor) Scale(ctx Context, s float64) *Tensor {
	return t.Map(ctx, func(v float64) float64 { return v * s })
}

func (t *Tensor) Exp(ctx Context) *Tensor {
	return t.Map(ctx, math.Exp)
}

func (t *Tensor) Sigmoid(ctx Context) *Tensor {
	return t.Map(ctx, sigmoid)
}

func (t *Tensor) SILU(ctx Context) *Tensor {
	return t.Map(ctx, func(v float64) float64 { return v * sigmoid(v) })
}

// LogSigmoid computes log(1/(1+exp(-x))) without overflow for large |x|.
func (t *Tensor) LogSigmoid(ctx Context) *Tensor {
	return t.Map(ctx, LogSigmoid)
}

func LogSigmoid(v float64) float64 {
	if v >= 0 {
		return -math.Log1p(math.Exp(-v))
	}
	return v - math.Log1p(math.Exp(v))
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}

// rows iterates the innermost dimension.
func (t *Tensor) rows() (n, width int) {
	width = t.Dim(-1)
	if width == 0 {
		return 0, 0
	}
	return len(t.data) / width, width
}

// Softmax normalizes over the innermost dimension.
func (t *Tensor) Softmax(_ Context) *Tensor {
	out := &Tensor{shape: t.Shape(), data: make([]float32, len(t.data)), dtype: t.dtype}
	n, width := t.rows()
	row := make([]float64, width)
	for r := range n {
		src := t.data[r*width : (r+1)*width]
		for i, v := range src {
			row[i] = float64(v)
		}
		SoftmaxInPlace(row)
		for i, v := range row {
			out.data[r*width+i] = round(t.dtype, float32(v))
		}
	}
	return out
}

// SoftmaxInPlace normalizes s, subtracting the max first.
func SoftmaxInPlace(s []float64) {
	if len(s) == 0 {
		return
	}
	m := floats.Max(s)
	var sum float64
	for i, v := range s {
		s[i] = math.Exp(v - m)
		sum += s[i]
	}
	floats.Scale(1/sum, s)
}

// RMSNorm normalizes the innermost dimension in float32, rounds to t's dtype
// and multiplies by weight. A weight wider than t widens the result.
func (t *Tensor) RMSNorm(_ Context, weight *Tensor, eps float32) *Tensor {
	n, width := t.rows()
	if weight != nil && weight.Len() != width {
		shapeError("rms norm weight %v for input %v", weight.shape, t.shape)
	}

	dtype := t.dtype
	if weight != nil {
		dtype = Promote(t.dtype, weight.dtype)
	}

	out := &Tensor{shape: t.Shape(), data: make([]float32, len(t.data)), dtype: dtype}
	for r := range n {
		src := t.data[r*width : (r+1)*width]
		var ss float64
		for _, v := range src {
			ss += float64(v) * float64(v)
		}
		inv := float32(1 / math.Sqrt(ss/float64(width)+float64(eps)))
		for i, v := range src {
			x := round(t.dtype, v*inv)
			if weight != nil {
				x *= weight.data[i]
			}
			out.data[r*width+i] = round(dtype, x)
		}
	}
	return out
}

// MulmatT multiplies t (..., in) by the transpose of w (out, in), giving
// (..., out). This is the layout of linear projection weights.
func (t *Tensor) MulmatT(_ Context, w *Tensor) *Tensor {
	if len(w.shape) != 2 || t.Dim(-1) != w.shape[1] {
		shapeError("matmul %v by %v transposed", t.shape, w.shape)
	}

	rows, in := t.rows()
	outDim := w.shape[0]
	shape := t.Shape()
	shape[len(shape)-1] = outDim

	out := &Tensor{shape: shape, data: make([]float32, rows*outDim), dtype: Promote(t.dtype, w.dtype)}
	if rows == 0 || outDim == 0 {
		return out
	}

	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: rows, Cols: in, Stride: in, Data: t.data},
		blas32.General{Rows: outDim, Cols: in, Stride: in, Data: w.data},
		0,
		blas32.General{Rows: rows, Cols: outDim, Stride: outDim, Data: out.data},
	)
	roundSlice(out.dtype, out.data)
	return out
}

// Sum adds every element in float64.
func (t *Tensor) Sum() float64 {
	var s float64
	for _, v := range t.data {
		s += float64(v)
	}
	return s
}

// MaxAbsDiff is the largest elementwise |t - t2|. Shapes must match.
func (t *Tensor) MaxAbsDiff(t2 *Tensor) float64 {
	if !t.SameShape(t2) {
		shapeError("compare %v with %v", t.shape, t2.shape)
	}
	var m float64
	for i, v := range t.data {
		m = math.Max(m, math.Abs(float64(v)-float64(t2.data[i])))
	}
	return m
}
