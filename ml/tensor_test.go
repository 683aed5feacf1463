package ml

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustFloats(t *testing.T, s []float32, shape ...int) *Tensor {
	t.Helper()
	tt, err := FromFloats(s, shape...)
	require.NoError(t, err)
	return tt
}

func arange(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(i)
	}
	return s
}

// shapePanic asserts that fn panics with an error wrapping ErrShape.
func shapePanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		assert.True(t, errors.Is(err, ErrShape), "error %v does not wrap ErrShape", err)
	}()
	fn()
}

func TestFromFloats(t *testing.T) {
	_, err := FromFloats([]float32{1, 2, 3}, 2, 2)
	assert.ErrorIs(t, err, ErrShape)

	tt := mustFloats(t, arange(6), 2, 3)
	assert.Equal(t, []int{2, 3}, tt.Shape())
	assert.Equal(t, 3, tt.Dim(-1))
	assert.Equal(t, 1, tt.Dim(5), "missing dimensions are 1")
	assert.Equal(t, DTypeF32, tt.DType())
}

func TestReshape(t *testing.T) {
	tt := mustFloats(t, arange(24), 2, 3, 4)

	r := tt.Reshape(nil, 6, -1)
	assert.Equal(t, []int{6, 4}, r.Shape())
	assert.Equal(t, tt.Floats(), r.Floats())

	shapePanic(t, func() { tt.Reshape(nil, 5, -1) })
	shapePanic(t, func() { tt.Reshape(nil, -1, -1) })
}

func TestPermute(t *testing.T) {
	tt := mustFloats(t, arange(6), 2, 3)
	p := tt.Permute(nil, 1, 0)
	assert.Equal(t, []int{3, 2}, p.Shape())
	assert.Equal(t, []float32{0, 3, 1, 4, 2, 5}, p.Floats())

	// (b, s, h, d) -> (b, h, s, d)
	x := mustFloats(t, arange(2*3*2*2), 2, 3, 2, 2)
	y := x.Permute(nil, 0, 2, 1, 3)
	assert.Equal(t, []int{2, 2, 3, 2}, y.Shape())
	// y(b=0, h=0, s=1, d=0) is x(b=0, s=1, h=0, d=0)
	assert.Equal(t, float32(4), y.Floats()[2])

	shapePanic(t, func() { tt.Permute(nil, 0, 0) })
}

func TestSliceConcat(t *testing.T) {
	tt := mustFloats(t, arange(2*4*3), 2, 4, 3)

	a := tt.Slice(nil, 1, 0, 1)
	b := tt.Slice(nil, 1, 1, 4)
	assert.Equal(t, []int{2, 3, 3}, b.Shape())

	c := a.Concat(nil, b, 1)
	assert.Equal(t, tt.Shape(), c.Shape())
	assert.Equal(t, tt.Floats(), c.Floats())

	shapePanic(t, func() { tt.Slice(nil, 1, 2, 5) })
	shapePanic(t, func() { a.Concat(nil, mustFloats(t, arange(4), 1, 1, 4), 1) })
}

func TestRepeatHeads(t *testing.T) {
	tt := mustFloats(t, arange(4), 1, 2, 2)
	r := tt.RepeatHeads(nil, 1, 2)
	assert.Equal(t, []int{1, 4, 2}, r.Shape())
	assert.Equal(t, []float32{0, 1, 0, 1, 2, 3, 2, 3}, r.Floats())

	assert.Same(t, tt, tt.RepeatHeads(nil, 1, 1))
}

func TestRows(t *testing.T) {
	tt := mustFloats(t, arange(6), 3, 2)
	assert.Equal(t, []float32{4, 5, 0, 1}, tt.Rows(nil, []int32{2, 0}).Floats())
	shapePanic(t, func() { tt.Rows(nil, []int32{3}) })
}

func TestCast(t *testing.T) {
	tt := mustFloats(t, []float32{1.00390625, 3.14159265, 65504, 1e-8}, 4)

	bf := tt.Cast(nil, DTypeBF16)
	assert.Equal(t, DTypeBF16, bf.DType())
	assert.Equal(t, float32(1), bf.Floats()[0], "ties round to even")
	assert.InDelta(t, 3.140625, bf.Floats()[1], 1e-6)

	f16 := tt.Cast(nil, DTypeF16)
	assert.InDelta(t, 1.00390625, f16.Floats()[0], 1e-6)
	assert.Equal(t, float32(65504), f16.Floats()[2])

	assert.Same(t, tt, tt.Cast(nil, DTypeF32))

	// the source is not modified
	assert.InDelta(t, 3.14159265, tt.Floats()[1], 1e-7)
}

func TestBytes(t *testing.T) {
	tt, err := FromFloatsDType([]float32{1, -2}, DTypeBF16, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80, 0x3f, 0x00, 0xc0}, tt.Bytes())

	tt, err = FromFloatsDType([]float32{1, -2}, DTypeF16, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x3c, 0x00, 0xc0}, tt.Bytes())

	assert.Len(t, mustFloats(t, arange(3), 3).Bytes(), 12)
}

func TestPromote(t *testing.T) {
	assert.Equal(t, DTypeBF16, Promote(DTypeBF16, DTypeBF16))
	assert.Equal(t, DTypeF32, Promote(DTypeBF16, DTypeF16))
	assert.Equal(t, DTypeF32, Promote(DTypeF32, DTypeBF16))
}

func TestParseDType(t *testing.T) {
	for _, s := range []string{"BF16", "bfloat16"} {
		d, err := ParseDType(s)
		require.NoError(t, err)
		assert.Equal(t, DTypeBF16, d)
	}

	_, err := ParseDType("I8")
	assert.Error(t, err)
}

func TestDump(t *testing.T) {
	assert.Equal(t, "<nil>", Dump(nil))

	tt := mustFloats(t, arange(6), 2, 3)
	assert.Equal(t, "[[0.0, 1.0, 2.0],\n [3.0, 4.0, 5.0]]", Dump(tt, DumpOptions{Items: 3, Precision: 1}))
	assert.Equal(t, "[0, ..., 9]", Dump(mustFloats(t, arange(10), 10), DumpOptions{Items: 1, Precision: 0}))
}

func TestBinaryBroadcast(t *testing.T) {
	x := mustFloats(t, arange(6), 2, 3)

	bias := mustFloats(t, []float32{10, 20, 30}, 3)
	assert.Equal(t, []float32{10, 21, 32, 13, 24, 35}, x.Add(nil, bias).Floats())

	col := mustFloats(t, []float32{1, 2}, 2, 1)
	assert.Equal(t, []float32{0, 1, 2, 6, 8, 10}, x.Mul(nil, col).Floats())

	one := mustFloats(t, []float32{1}, 1)
	assert.Equal(t, []float32{-1, 0, 1, 2, 3, 4}, x.Sub(nil, one).Floats())

	shapePanic(t, func() { x.Add(nil, mustFloats(t, arange(4), 4)) })
}

func TestActivations(t *testing.T) {
	x := mustFloats(t, []float32{-1000, -1, 0, 1, 1000}, 5)

	ls := x.LogSigmoid(nil).Floats()
	assert.Equal(t, float32(-1000), ls[0])
	assert.InDelta(t, -1.3132617, ls[1], 1e-6)
	assert.InDelta(t, -math.Ln2, ls[2], 1e-7)
	assert.Equal(t, float32(0), ls[4])
	for _, v := range ls {
		assert.False(t, math.IsInf(float64(v), 0) || math.IsNaN(float64(v)))
	}

	s := x.Sigmoid(nil).Floats()
	if diff := cmp.Diff([]float32{0, 0.26894143, 0.5, 0.7310586, 1}, s, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("sigmoid mismatch (-want +got):\n%s", diff)
	}

	assert.InDelta(t, 0.7310586, x.SILU(nil).Floats()[3], 1e-6)
}

func TestSoftmax(t *testing.T) {
	x := mustFloats(t, []float32{1, -2, 3, 0, 1000, 1000, 1000, 1000}, 2, 4)
	got := x.Softmax(nil).Floats()
	want := []float32{0.113550, 0.005653, 0.839024, 0.041773, 0.25, 0.25, 0.25, 0.25}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("softmax mismatch (-want +got):\n%s", diff)
	}
}

func TestRMSNorm(t *testing.T) {
	x := mustFloats(t, []float32{3, 4}, 1, 2)
	w := mustFloats(t, []float32{1, 2}, 2)

	got := x.RMSNorm(nil, w, 0).Floats()
	rms := math.Sqrt(12.5)
	if diff := cmp.Diff([]float32{float32(3 / rms), float32(8 / rms)}, got, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("rms norm mismatch (-want +got):\n%s", diff)
	}

	bf, err := FromFloatsDType([]float32{3, 4}, DTypeBF16, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, DTypeF32, bf.RMSNorm(nil, w, 1e-6).DType(), "an F32 weight widens the result")

	shapePanic(t, func() { x.RMSNorm(nil, mustFloats(t, arange(3), 3), 1e-6) })
}

func TestMulmatT(t *testing.T) {
	x := mustFloats(t, arange(6), 1, 2, 3)
	w := mustFloats(t, []float32{1, 0, 0, 0, 1, 1}, 2, 3)

	got := x.MulmatT(nil, w)
	assert.Equal(t, []int{1, 2, 2}, got.Shape())
	assert.Equal(t, []float32{0, 3, 3, 9}, got.Floats())

	shapePanic(t, func() { x.MulmatT(nil, mustFloats(t, arange(4), 2, 2)) })
}

func TestMaxAbsDiff(t *testing.T) {
	a := mustFloats(t, []float32{1, 2, 3}, 3)
	b := mustFloats(t, []float32{1, 2.5, 2}, 3)
	assert.InDelta(t, 1, a.MaxAbsDiff(b), 1e-9)
	assert.InDelta(t, 5.5, b.Sum(), 1e-9)
}
