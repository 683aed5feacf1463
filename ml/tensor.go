package ml

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

var ErrShape = errors.New("ml: dimension mismatch")

// shapeError panics with an error wrapping ErrShape. Tensor operations have no
// error returns; model.Forward recovers these panics into returned errors.
func shapeError(format string, args ...any) {
	panic(fmt.Errorf("%w: %s", ErrShape, fmt.Sprintf(format, args...)))
}

// Tensor is a dense row-major array. Values are held as float32; the dtype
// records the precision they were rounded to.
//
// Shapes are listed outermost first, e.g. (batch, heads, sequence, head_dim).
type Tensor struct {
	shape []int
	data  []float32
	dtype DType
}

func Zeros(dtype DType, shape ...int) *Tensor {
	for _, d := range shape {
		if d < 0 {
			shapeError("negative dimension in %v", shape)
		}
	}
	return &Tensor{shape: slices.Clone(shape), data: make([]float32, product(shape)), dtype: dtype}
}

// FromFloats wraps s as an F32 tensor. s is not copied.
func FromFloats(s []float32, shape ...int) (*Tensor, error) {
	if product(shape) != len(s) {
		return nil, fmt.Errorf("%w: %d values do not fill shape %v", ErrShape, len(s), shape)
	}
	return &Tensor{shape: slices.Clone(shape), data: s, dtype: DTypeF32}, nil
}

// FromFloatsDType is FromFloats followed by rounding to dtype.
func FromFloatsDType(s []float32, dtype DType, shape ...int) (*Tensor, error) {
	t, err := FromFloats(s, shape...)
	if err != nil {
		return nil, err
	}
	t.dtype = dtype
	roundSlice(dtype, t.data)
	return t, nil
}

func (t *Tensor) Dim(n int) int {
	if n < 0 {
		n += len(t.shape)
	}
	if n < 0 || n >= len(t.shape) {
		return 1
	}
	return t.shape[n]
}

func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }
func (t *Tensor) Rank() int    { return len(t.shape) }
func (t *Tensor) DType() DType { return t.dtype }
func (t *Tensor) Len() int     { return len(t.data) }

// Floats returns the backing values. Callers must not modify them.
func (t *Tensor) Floats() []float32 { return t.data }

// Bytes encodes the values little endian in the tensor's dtype.
func (t *Tensor) Bytes() []byte {
	switch t.dtype {
	case DTypeF16:
		b := make([]byte, 2*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint16(b[2*i:], float16.Fromfloat32(v).Bits())
		}
		return b
	case DTypeBF16:
		b := make([]byte, 2*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint16(b[2*i:], bf16Bits(v))
		}
		return b
	default:
		b := make([]byte, 4*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
		}
		return b
	}
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data), dtype: t.dtype}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v, %v)", t.shape, t.dtype)
}

// SameShape reports whether t and t2 have identical shapes.
func (t *Tensor) SameShape(t2 *Tensor) bool {
	return t2 != nil && slices.Equal(t.shape, t2.shape)
}

// Cast rounds the values to dtype. Widening to F32 only relabels.
func (t *Tensor) Cast(_ Context, dtype DType) *Tensor {
	if t.dtype == dtype {
		return t
	}
	out := t.Clone()
	out.dtype = dtype
	roundSlice(dtype, out.data)
	return out
}

// Reshape returns a tensor sharing t's values with a new shape. One dimension
// may be -1 and is inferred.
func (t *Tensor) Reshape(_ Context, shape ...int) *Tensor {
	shape = slices.Clone(shape)
	infer, known := -1, 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				shapeError("reshape %v: more than one inferred dimension", shape)
			}
			infer = i
			continue
		}
		known *= d
	}

	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			shapeError("reshape %v to %v", t.shape, shape)
		}
		shape[infer] = len(t.data) / known
	}

	if product(shape) != len(t.data) {
		shapeError("reshape %v to %v", t.shape, shape)
	}

	return &Tensor{shape: shape, data: t.data, dtype: t.dtype}
}

// Permute reorders dimensions: output dimension i is input dimension order[i].
func (t *Tensor) Permute(_ Context, order ...int) *Tensor {
	if len(order) != len(t.shape) {
		shapeError("permute %v with order %v", t.shape, order)
	}

	seen := make([]bool, len(order))
	shape := make([]int, len(order))
	for i, o := range order {
		if o < 0 || o >= len(order) || seen[o] {
			shapeError("invalid permutation %v", order)
		}
		seen[o] = true
		shape[i] = t.shape[o]
	}

	inStrides := strides(t.shape)
	permStrides := make([]int, len(order))
	for i, o := range order {
		permStrides[i] = inStrides[o]
	}

	out := &Tensor{shape: shape, data: make([]float32, len(t.data)), dtype: t.dtype}
	idx := make([]int, len(shape))
	for n := range out.data {
		src := 0
		for i, v := range idx {
			src += v * permStrides[i]
		}
		out.data[n] = t.data[src]

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out
}

// Slice keeps indices [start, end) of dimension dim.
func (t *Tensor) Slice(_ Context, dim, start, end int) *Tensor {
	if dim < 0 {
		dim += len(t.shape)
	}
	if dim < 0 || dim >= len(t.shape) || start < 0 || end > t.shape[dim] || start > end {
		shapeError("slice [%d:%d] of dimension %d in %v", start, end, dim, t.shape)
	}

	outer := product(t.shape[:dim])
	inner := product(t.shape[dim+1:])
	shape := slices.Clone(t.shape)
	shape[dim] = end - start

	out := &Tensor{shape: shape, data: make([]float32, outer*(end-start)*inner), dtype: t.dtype}
	n := (end - start) * inner
	for o := range outer {
		copy(out.data[o*n:(o+1)*n], t.data[(o*t.shape[dim]+start)*inner:(o*t.shape[dim]+end)*inner])
	}
	return out
}

// Concat joins t and t2 along dim. All other dimensions must agree.
func (t *Tensor) Concat(_ Context, t2 *Tensor, dim int) *Tensor {
	if dim < 0 {
		dim += len(t.shape)
	}
	if len(t.shape) != len(t2.shape) || dim < 0 || dim >= len(t.shape) {
		shapeError("concat %v and %v along %d", t.shape, t2.shape, dim)
	}
	for i := range t.shape {
		if i != dim && t.shape[i] != t2.shape[i] {
			shapeError("concat %v and %v along %d", t.shape, t2.shape, dim)
		}
	}

	outer := product(t.shape[:dim])
	inner := product(t.shape[dim+1:])
	a, b := t.shape[dim]*inner, t2.shape[dim]*inner

	shape := slices.Clone(t.shape)
	shape[dim] += t2.shape[dim]
	out := &Tensor{shape: shape, data: make([]float32, outer*(a+b)), dtype: Promote(t.dtype, t2.dtype)}
	for o := range outer {
		copy(out.data[o*(a+b):], t.data[o*a:(o+1)*a])
		copy(out.data[o*(a+b)+a:], t2.data[o*b:(o+1)*b])
	}
	return out
}

// RepeatHeads repeats every entry of dimension dim n times consecutively, so
// index i of the result reads index i/n of t. This is the grouped-query
// replication of key/value heads.
func (t *Tensor) RepeatHeads(_ Context, dim, n int) *Tensor {
	if n == 1 {
		return t
	}
	if dim < 0 {
		dim += len(t.shape)
	}
	if n < 1 || dim < 0 || dim >= len(t.shape) {
		shapeError("repeat dimension %d of %v by %d", dim, t.shape, n)
	}

	outer := product(t.shape[:dim])
	inner := product(t.shape[dim+1:])
	shape := slices.Clone(t.shape)
	shape[dim] *= n

	out := &Tensor{shape: shape, data: make([]float32, len(t.data)*n), dtype: t.dtype}
	dst := 0
	for o := range outer {
		for h := range t.shape[dim] {
			src := t.data[(o*t.shape[dim]+h)*inner : (o*t.shape[dim]+h+1)*inner]
			for range n {
				copy(out.data[dst:dst+inner], src)
				dst += inner
			}
		}
	}
	return out
}

// Rows gathers rows of a 2D tensor.
func (t *Tensor) Rows(_ Context, ids []int32) *Tensor {
	if len(t.shape) != 2 {
		shapeError("rows of %v", t.shape)
	}

	cols := t.shape[1]
	out := &Tensor{shape: []int{len(ids), cols}, data: make([]float32, len(ids)*cols), dtype: t.dtype}
	for i, id := range ids {
		if id < 0 || int(id) >= t.shape[0] {
			shapeError("row %d out of range for %v", id, t.shape)
		}
		copy(out.data[i*cols:(i+1)*cols], t.data[int(id)*cols:(int(id)+1)*cols])
	}
	return out
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	n := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = n
		n *= shape[i]
	}
	return s
}

func roundSlice(dtype DType, s []float32) {
	switch dtype {
	case DTypeF16:
		for i, v := range s {
			s[i] = float16.Fromfloat32(v).Float32()
		}
	case DTypeBF16:
		b := make([]byte, 2*len(s))
		for i, v := range s {
			binary.LittleEndian.PutUint16(b[2*i:], bf16Bits(v))
		}
		copy(s, bfloat16.DecodeFloat32(b))
	}
}

func round(dtype DType, v float32) float32 {
	switch dtype {
	case DTypeF16:
		return float16.Fromfloat32(v).Float32()
	case DTypeBF16:
		return math.Float32frombits(uint32(bf16Bits(v)) << 16)
	default:
		return v
	}
}

// bf16Bits rounds v to the nearest bfloat16, ties to even.
func bf16Bits(v float32) uint16 {
	bits := math.Float32bits(v)
	if math.IsNaN(float64(v)) {
		return uint16(bits>>16) | 0x40
	}
	bits += 0x7fff + (bits>>16)&1
	return uint16(bits >> 16)
}
