package liger

import (
	"fmt"
	"math"

	"github.com/liger-go/liger/kvcache"
	"github.com/liger-go/liger/ml"
	"github.com/liger-go/liger/ml/nn"
	"github.com/liger-go/liger/ml/nn/attention"
	"github.com/liger-go/liger/ml/nn/rope"
)

// Operator is the token mixing block of a decoder layer.
type Operator interface {
	Forward(ctx ml.Context, hiddenStates, mask *ml.Tensor, emb *rope.Embeddings, positions [][]int32, cache *kvcache.Recurrent, opts *Options) (*ml.Tensor, error)
}

// Attention blends a recurrent path over the whole sequence with causal
// attention over a sliding window of recent tokens.
type Attention struct {
	Query     *nn.Linear  `hf:"q_proj"`
	Key       *nn.Linear  `hf:"k_proj"`
	Value     *nn.Linear  `hf:"v_proj"`
	Output    *nn.Linear  `hf:"o_proj"`
	QueryNorm *nn.RMSNorm `hf:"q_norm"`
	KeyNorm   *nn.RMSNorm `hf:"k_norm"`

	Mixer Mixer

	// Layer indexes the cache. A negative Layer cannot run with a cache.
	Layer int
}

func (sa *Attention) Forward(ctx ml.Context, hiddenStates, mask *ml.Tensor, emb *rope.Embeddings, positions [][]int32, cache *kvcache.Recurrent, opts *Options) (*ml.Tensor, error) {
	batchSize, seqLen := hiddenStates.Dim(0), hiddenStates.Dim(1)

	window, recurrent, err := sa.paths(ctx, hiddenStates, mask, emb, positions, cache, opts)
	if err != nil {
		return nil, err
	}

	o := blend(ctx, window, recurrent, opts.blend)
	o = o.Cast(ctx, sa.Output.DType())
	o = o.Permute(ctx, 0, 2, 1, 3).Reshape(ctx, batchSize, seqLen, -1)
	return sa.Output.Forward(ctx, o), nil
}

// blend is weight*window + (1-weight)*recurrent.
func blend(ctx ml.Context, window, recurrent *ml.Tensor, weight float64) *ml.Tensor {
	return window.Scale(ctx, weight).Add(ctx, recurrent.Scale(ctx, 1-weight))
}

// paths returns the windowed attention and recurrent outputs, each
// (batch, heads, sequence, head_dim), and advances the cache.
func (sa *Attention) paths(ctx ml.Context, hiddenStates, mask *ml.Tensor, emb *rope.Embeddings, positions [][]int32, cache *kvcache.Recurrent, opts *Options) (window, recurrent *ml.Tensor, err error) {
	if sa.Layer < 0 {
		ctx.Emit(ml.Diagnostic{
			Kind:    ml.DiagnosticLayerIndex,
			Message: "attention layer was built without a layer index and cannot use the cache",
		})
	}

	state, err := cache.State(sa.Layer)
	if err != nil {
		return nil, nil, err
	}

	batchSize, seqLen := hiddenStates.Dim(0), hiddenStates.Dim(1)
	if seqLen == 0 {
		return nil, nil, fmt.Errorf("%w: empty sequence", ml.ErrShape)
	}

	query := sa.Query.Forward(ctx, hiddenStates)
	key := sa.Key.Forward(ctx, hiddenStates)
	value := sa.Value.Forward(ctx, hiddenStates)

	q := query.Reshape(ctx, batchSize, seqLen, opts.numHeads, opts.headDim)
	k := key.Reshape(ctx, batchSize, seqLen, opts.numKVHeads, opts.headDim)
	v := value.Reshape(ctx, batchSize, seqLen, opts.numKVHeads, opts.headDim)

	if sa.QueryNorm != nil {
		q = sa.QueryNorm.Forward(ctx, q, opts.eps)
	}
	if sa.KeyNorm != nil {
		k = sa.KeyNorm.Forward(ctx, k, opts.eps)
	}

	gateInput := key
	if opts.gateAfterSplit {
		gateInput = k.Reshape(ctx, batchSize, seqLen, -1)
	}
	g := gate(ctx, gateInput, sa.Mixer.GateWidth(opts), opts.numKVHeads, opts.groups(), opts.gateNormalizer)

	q = q.Permute(ctx, 0, 2, 1, 3)
	k = k.Permute(ctx, 0, 2, 1, 3)
	v = v.Permute(ctx, 0, 2, 1, 3)

	recurrent, next, err := sa.Mixer.Forward(ctx,
		q,
		k.RepeatHeads(ctx, 1, opts.groups()),
		v.RepeatHeads(ctx, 1, opts.groups()),
		g, mask, state, opts)
	if err != nil {
		return nil, nil, err
	}

	if err := cache.Update(sa.Layer, next, seqLen); err != nil {
		return nil, nil, err
	}

	if emb == nil {
		ctx.Emit(ml.Diagnostic{
			Kind:    ml.DiagnosticPositionEmbeddings,
			Message: "attention layer computed its own rotary position embeddings; pass them from the model instead",
		})
		e := rope.New(positions, opts.headDim, opts.ropeBase, rope.WithScaling(opts.ropeScaling))
		emb = &e
	}

	sq, sk, sv := nn.RoPE(ctx, q, *emb), nn.RoPE(ctx, k, *emb), v
	if target := sa.Query.DType(); sq.DType() == ml.DTypeF32 && target != ml.DTypeF32 {
		ctx.Emit(ml.Diagnostic{
			Kind:    ml.DiagnosticUpcast,
			Message: "the input hidden states seem to be silently cast to float32, casting back to the projection dtype",
			Attrs:   []any{"dtype", target},
		})
		sq, sk, sv = sq.Cast(ctx, target), sk.Cast(ctx, target), sv.Cast(ctx, target)
	}

	prevKeys, prevValues, err := cache.Window(sa.Layer)
	if err != nil {
		return nil, nil, err
	}
	if prevKeys != nil {
		sk = prevKeys.Concat(ctx, sk, 2)
		sv = prevValues.Concat(ctx, sv, 2)
	}

	if err := cache.PutWindow(ctx, sa.Layer, sk, sv, opts.window-1); err != nil {
		return nil, nil, err
	}

	if !padded(mask) {
		mask = nil
	}

	window = nn.WindowedAttention(ctx, sq, sk, sv,
		attention.WithScale(1/math.Sqrt(float64(opts.headDim))),
		attention.WithWindow(opts.window),
		attention.WithMask(mask),
	)
	return window, recurrent, nil
}

// padded reports whether mask flags any position as padding.
func padded(mask *ml.Tensor) bool {
	if mask == nil {
		return false
	}
	for _, v := range mask.Floats() {
		if v == 0 {
			return true
		}
	}
	return false
}
