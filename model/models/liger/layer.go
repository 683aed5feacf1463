package liger

import (
	"cmp"
	"slices"

	"github.com/liger-go/liger/kvcache"
	"github.com/liger-go/liger/ml"
	"github.com/liger-go/liger/ml/nn"
	"github.com/liger-go/liger/ml/nn/rope"
)

type MLP interface {
	Forward(ml.Context, *ml.Tensor, *Options) *ml.Tensor
}

type dense struct {
	Gate *nn.Linear `hf:"gate_proj"`
	Up   *nn.Linear `hf:"up_proj"`
	Down *nn.Linear `hf:"down_proj"`
}

func (mlp *dense) Forward(ctx ml.Context, hiddenStates *ml.Tensor, _ *Options) *ml.Tensor {
	hiddenStates = mlp.Gate.Forward(ctx, hiddenStates).SILU(ctx).Mul(ctx, mlp.Up.Forward(ctx, hiddenStates))
	return mlp.Down.Forward(ctx, hiddenStates)
}

// sparse routes every token to its top experts and sums their outputs
// weighted by router probability.
type sparse struct {
	Router  *nn.Linear `hf:"gate"`
	Experts []dense    `hf:"experts"`
}

func (mlp *sparse) Forward(ctx ml.Context, hiddenStates *ml.Tensor, opts *Options) *ml.Tensor {
	shape := hiddenStates.Shape()
	hiddenDim := hiddenStates.Dim(-1)
	hiddenStates = hiddenStates.Reshape(ctx, -1, hiddenDim)
	tokens := hiddenStates.Dim(0)

	routingWeights := mlp.Router.Forward(ctx, hiddenStates).Cast(ctx, ml.DTypeF32).Softmax(ctx).Floats()

	// rows and weights of the tokens routed to each expert
	rows := make([][]int32, len(mlp.Experts))
	weights := make([][]float32, len(mlp.Experts))
	selected := make([]int, len(mlp.Experts))
	for t := range tokens {
		probs := routingWeights[t*len(mlp.Experts):][:len(mlp.Experts)]
		for i := range selected {
			selected[i] = i
		}
		slices.SortStableFunc(selected, func(a, b int) int {
			return cmp.Compare(probs[b], probs[a])
		})

		top := selected[:opts.numExpertsUsed]
		var sum float32
		for _, e := range top {
			sum += probs[e]
		}

		for _, e := range top {
			w := probs[e]
			if opts.normTopKProb {
				w /= sum
			}
			rows[e] = append(rows[e], int32(t))
			weights[e] = append(weights[e], w)
		}
	}

	out := make([]float32, tokens*hiddenDim)
	for e, ids := range rows {
		if len(ids) == 0 {
			continue
		}

		expert := mlp.Experts[e].Forward(ctx, hiddenStates.Rows(ctx, ids), opts).Floats()
		for i, t := range ids {
			dst := out[int(t)*hiddenDim:][:hiddenDim]
			for d, v := range expert[i*hiddenDim:][:hiddenDim] {
				dst[d] += weights[e][i] * v
			}
		}
	}

	t, err := ml.FromFloatsDType(out, hiddenStates.DType(), shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// Layer is a pre-norm residual decoder layer.
type Layer struct {
	AttentionNorm *nn.RMSNorm `hf:"input_layernorm"`
	Operator      `hf:"self_attn"`

	MLPNorm *nn.RMSNorm `hf:"post_attention_layernorm"`
	MLP     `hf:"mlp"`
}

func (d *Layer) Forward(ctx ml.Context, hiddenStates, mask *ml.Tensor, emb *rope.Embeddings, positions [][]int32, cache *kvcache.Recurrent, opts *Options) (*ml.Tensor, error) {
	residual := hiddenStates
	hiddenStates = d.AttentionNorm.Forward(ctx, hiddenStates, opts.eps)
	hiddenStates, err := d.Operator.Forward(ctx, hiddenStates, mask, emb, positions, cache, opts)
	if err != nil {
		return nil, err
	}

	hiddenStates = hiddenStates.Add(ctx, residual)

	residual = hiddenStates
	hiddenStates = d.MLPNorm.Forward(ctx, hiddenStates, opts.eps)
	hiddenStates = d.MLP.Forward(ctx, hiddenStates, opts)
	return hiddenStates.Add(ctx, residual), nil
}
