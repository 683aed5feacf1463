package recurrent

import (
	"fmt"

	"github.com/liger-go/liger/ml"
)

// ChunkGSA computes gated slot attention. q, k are (batch, heads, T, K),
// v is (batch, heads, T, V), and the slot decay s and log gate g are
// (batch, heads, T, M). The state is the pair hk (batch, heads, K, M) and
// hv (batch, heads, M, V); nil initial states are zero.
//
// Keys are first written to M slots weighted by s, with decay on the slot
// side. The softmax of the slot scores then reads values out of a second
// recurrence keyed by s with decay on its key side.
func ChunkGSA(ctx ml.Context, q, k, v, s, g *ml.Tensor, scale float64, hk0, hv0 *ml.Tensor, options ...func(*Options)) (o, hk, hv *ml.Tensor, err error) {
	opts := Options{ChunkSize: DefaultChunkSize}
	for _, o := range options {
		o(&opts)
	}

	return gsa(ctx, q, k, v, s, g, scale, hk0, hv0, func(h *head, scale float64, st, o []float64) {
		chunk(h, scale, opts.ChunkSize, st, o)
	})
}

// FusedRecurrentGSA is ChunkGSA evaluated one token at a time.
func FusedRecurrentGSA(ctx ml.Context, q, k, v, s, g *ml.Tensor, scale float64, hk0, hv0 *ml.Tensor) (o, hk, hv *ml.Tensor, err error) {
	return gsa(ctx, q, k, v, s, g, scale, hk0, hv0, step)
}

func gsa(ctx ml.Context, q, k, v, s, g *ml.Tensor, scale float64, hk0, hv0 *ml.Tensor, fn func(*head, float64, []float64, []float64)) (*ml.Tensor, *ml.Tensor, *ml.Tensor, error) {
	if q == nil || q.Rank() != 4 {
		return nil, nil, nil, fmt.Errorf("%w: q must be (batch, heads, sequence, dim), got %v", ml.ErrShape, q)
	}
	if k == nil || v == nil || s == nil || g == nil {
		return nil, nil, nil, fmt.Errorf("%w: missing input", ml.ErrShape)
	}

	batch, heads, seq, dk := q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)
	dv, slots := v.Dim(3), s.Dim(3)
	for _, c := range []struct {
		name string
		t    *ml.Tensor
		dim  int
	}{{"k", k, dk}, {"v", v, dv}, {"s", s, slots}, {"g", g, slots}} {
		if err := checkShape(c.name, c.t, batch, heads, seq, c.dim); err != nil {
			return nil, nil, nil, err
		}
	}
	if hk0 != nil {
		if err := checkShape("initial key state", hk0, batch, heads, dk, slots); err != nil {
			return nil, nil, nil, err
		}
	}
	if hv0 != nil {
		if err := checkShape("initial value state", hv0, batch, heads, slots, dv); err != nil {
			return nil, nil, nil, err
		}
	}

	out := make([]float32, batch*heads*seq*dv)
	keys := make([]float32, batch*heads*dk*slots)
	values := make([]float32, batch*heads*slots*dv)
	if err := ml.Parallel(ctx, batch*heads, func(i int) error {
		sw, gw := wide(s, i, seq*slots), wide(g, i, seq*slots)

		hk := make([]float64, dk*slots)
		if hk0 != nil {
			hk = wide(hk0, i, dk*slots)
		}
		ok := make([]float64, seq*slots)
		fn(&head{
			q:  wide(q, i, seq*dk),
			k:  wide(k, i, seq*dk),
			v:  sw,
			gv: gw,
			t:  seq, dk: dk, dv: slots,
		}, scale, hk, ok)

		for t := range seq {
			ml.SoftmaxInPlace(ok[t*slots:][:slots])
		}

		hv := make([]float64, slots*dv)
		if hv0 != nil {
			hv = wide(hv0, i, slots*dv)
		}
		ov := make([]float64, seq*dv)
		fn(&head{
			q:  ok,
			k:  sw,
			v:  wide(v, i, seq*dv),
			gk: gw,
			t:  seq, dk: slots, dv: dv,
		}, 1, hv, ov)

		narrow(out[i*seq*dv:][:seq*dv], ov)
		narrow(keys[i*dk*slots:][:dk*slots], hk)
		narrow(values[i*slots*dv:][:slots*dv], hv)
		return nil
	}); err != nil {
		return nil, nil, nil, err
	}

	return tensor(out, batch, heads, seq, dv),
		tensor(keys, batch, heads, dk, slots),
		tensor(values, batch, heads, slots, dv),
		nil
}
