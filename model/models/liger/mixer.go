package liger

import (
	"fmt"

	"github.com/liger-go/liger/ml"
	"github.com/liger-go/liger/ml/nn/recurrent"
)

// Mixer is the recurrent path of an attention layer. q, k, v and g arrive
// split into heads, replicated to the query head count, (batch, heads,
// sequence, dim). state is the layer's previous state, nil at the start of
// a sequence.
type Mixer interface {
	Forward(ctx ml.Context, q, k, v, g, mask *ml.Tensor, state []*ml.Tensor, opts *Options) (*ml.Tensor, []*ml.Tensor, error)

	// GateWidth is the pooled gate width across all kv heads.
	GateWidth(opts *Options) int
}

// chunked selects the chunked form for training and multi token spans.
func chunked(ctx ml.Context, seq int) bool {
	return ctx.Training() || seq > 1
}

func wide(ctx ml.Context, ts ...*ml.Tensor) {
	for i, t := range ts {
		ts[i] = t.Cast(ctx, ml.DTypeF32)
	}
}

// gla is gated linear attention with a K×V state per head and softmax
// feature maps on queries and keys.
type gla struct{}

func (gla) GateWidth(opts *Options) int {
	return opts.headDim * opts.numKVHeads
}

func (gla) Forward(ctx ml.Context, q, k, v, g, _ *ml.Tensor, state []*ml.Tensor, opts *Options) (*ml.Tensor, []*ml.Tensor, error) {
	var h0 *ml.Tensor
	switch len(state) {
	case 0:
	case 1:
		h0 = state[0]
	default:
		return nil, nil, fmt.Errorf("%w: gated linear attention state has %d tensors", ml.ErrShape, len(state))
	}

	q, k = q.Softmax(ctx), k.Softmax(ctx)

	ts := []*ml.Tensor{q, k, v, g}
	wide(ctx, ts...)
	q, k, v, g = ts[0], ts[1], ts[2], ts[3]

	var o, ht *ml.Tensor
	var err error
	if chunked(ctx, q.Dim(2)) {
		o, ht, err = recurrent.ChunkGLA(ctx, q, k, v, g, 1, h0, recurrent.WithChunkSize(opts.chunkSize))
	} else {
		o, ht, err = recurrent.FusedRecurrentGLA(ctx, q, k, v, g, 1, h0)
	}
	if err != nil {
		return nil, nil, err
	}

	return o, []*ml.Tensor{ht}, nil
}

// gsa is gated slot attention with key and value slot states per head.
// Padded tokens neither write slots nor contribute values.
type gsa struct{}

func (gsa) GateWidth(opts *Options) int {
	return opts.poolSize * opts.numKVHeads
}

func (gsa) Forward(ctx ml.Context, q, k, v, g, mask *ml.Tensor, state []*ml.Tensor, opts *Options) (*ml.Tensor, []*ml.Tensor, error) {
	var hk0, hv0 *ml.Tensor
	switch len(state) {
	case 0:
	case 2:
		hk0, hv0 = state[0], state[1]
	default:
		return nil, nil, fmt.Errorf("%w: gated slot attention state has %d tensors", ml.ErrShape, len(state))
	}

	s := slotDecay(ctx, g)
	if mask != nil {
		batch, seq := q.Dim(0), q.Dim(2)
		m := mask.Slice(ctx, 1, mask.Dim(1)-seq, mask.Dim(1)).Reshape(ctx, batch, 1, seq, 1)
		s = s.Mul(ctx, m)
		v = v.Mul(ctx, m)
	}

	ts := []*ml.Tensor{q, k, v, s, g}
	wide(ctx, ts...)
	q, k, v, s, g = ts[0], ts[1], ts[2], ts[3], ts[4]

	var o, hk, hv *ml.Tensor
	var err error
	if chunked(ctx, q.Dim(2)) {
		o, hk, hv, err = recurrent.ChunkGSA(ctx, q, k, v, s, g, 1, hk0, hv0, recurrent.WithChunkSize(opts.chunkSize))
	} else {
		o, hk, hv, err = recurrent.FusedRecurrentGSA(ctx, q, k, v, s, g, 1, hk0, hv0)
	}
	if err != nil {
		return nil, nil, err
	}

	return o, []*ml.Tensor{hk, hv}, nil
}
