package recurrent

import (
	"fmt"

	"github.com/liger-go/liger/ml"
)

// ChunkGLA computes gated linear attention over q, k, g (batch, heads, T, K)
// and v (batch, heads, T, V) from initial state h0 (batch, heads, K, V),
// which may be nil for a zero state. It returns the output
// (batch, heads, T, V) and the final state.
func ChunkGLA(ctx ml.Context, q, k, v, g *ml.Tensor, scale float64, h0 *ml.Tensor, options ...func(*Options)) (*ml.Tensor, *ml.Tensor, error) {
	opts := Options{ChunkSize: DefaultChunkSize}
	for _, o := range options {
		o(&opts)
	}

	return gla(ctx, q, k, v, g, scale, h0, func(h *head, s, o []float64) {
		chunk(h, scale, opts.ChunkSize, s, o)
	})
}

// FusedRecurrentGLA is ChunkGLA evaluated one token at a time.
func FusedRecurrentGLA(ctx ml.Context, q, k, v, g *ml.Tensor, scale float64, h0 *ml.Tensor) (*ml.Tensor, *ml.Tensor, error) {
	return gla(ctx, q, k, v, g, scale, h0, func(h *head, s, o []float64) {
		step(h, scale, s, o)
	})
}

func gla(ctx ml.Context, q, k, v, g *ml.Tensor, scale float64, h0 *ml.Tensor, fn func(*head, []float64, []float64)) (*ml.Tensor, *ml.Tensor, error) {
	if q == nil || q.Rank() != 4 {
		return nil, nil, fmt.Errorf("%w: q must be (batch, heads, sequence, dim), got %v", ml.ErrShape, q)
	}
	if k == nil || v == nil || g == nil {
		return nil, nil, fmt.Errorf("%w: missing input", ml.ErrShape)
	}

	batch, heads, seq, dk := q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)
	dv := v.Dim(3)
	for _, c := range []struct {
		name string
		t    *ml.Tensor
		dim  int
	}{{"k", k, dk}, {"g", g, dk}, {"v", v, dv}} {
		if err := checkShape(c.name, c.t, batch, heads, seq, c.dim); err != nil {
			return nil, nil, err
		}
	}
	if h0 != nil {
		if err := checkShape("initial state", h0, batch, heads, dk, dv); err != nil {
			return nil, nil, err
		}
	}

	out := make([]float32, batch*heads*seq*dv)
	state := make([]float32, batch*heads*dk*dv)
	if err := ml.Parallel(ctx, batch*heads, func(i int) error {
		h := head{
			q:  wide(q, i, seq*dk),
			k:  wide(k, i, seq*dk),
			v:  wide(v, i, seq*dv),
			gk: wide(g, i, seq*dk),
			t:  seq, dk: dk, dv: dv,
		}

		s := make([]float64, dk*dv)
		if h0 != nil {
			s = wide(h0, i, dk*dv)
		}

		o := make([]float64, seq*dv)
		fn(&h, s, o)

		narrow(out[i*seq*dv:][:seq*dv], o)
		narrow(state[i*dk*dv:][:dk*dv], s)
		return nil
	}); err != nil {
		return nil, nil, err
	}

	return tensor(out, batch, heads, seq, dv), tensor(state, batch, heads, dk, dv), nil
}
