package liger

import (
	"fmt"
	"math"

	"github.com/liger-go/liger/ml"
	"github.com/liger-go/liger/ml/nn/pooling"
)

// gate derives log decays from the key projection k (batch, sequence,
// features). Features are average pooled to width, split over kvHeads,
// replicated groups times to the query head count and squashed with
// log_sigmoid(x)/normalizer. The result is (batch, kvHeads*groups,
// sequence, width/kvHeads) with every element in (-inf, 0].
func gate(ctx ml.Context, k *ml.Tensor, width, kvHeads, groups int, normalizer float64) *ml.Tensor {
	if k.Rank() != 3 || kvHeads <= 0 || width%kvHeads != 0 {
		panic(fmt.Errorf("%w: gate width %d over %d kv heads for key %v", ml.ErrShape, width, kvHeads, k.Shape()))
	}

	batch, seq := k.Dim(0), k.Dim(1)
	g := pooling.AdaptiveAvg1D(ctx, k, width)
	g = g.Reshape(ctx, batch, seq, kvHeads, width/kvHeads).Permute(ctx, 0, 2, 1, 3)
	g = g.RepeatHeads(ctx, 1, groups)
	return g.LogSigmoid(ctx).Scale(ctx, 1/normalizer)
}

// slotDecay is 1 - exp(g) in F32, in [0, 1) for g <= 0 down to g where
// exp(g) underflows the F32 spacing below 1.
func slotDecay(ctx ml.Context, g *ml.Tensor) *ml.Tensor {
	return g.Cast(ctx, ml.DTypeF32).Map(ctx, func(v float64) float64 {
		return -math.Expm1(v)
	})
}
