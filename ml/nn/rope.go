package nn

import (
	"fmt"

	"github.com/liger-go/liger/ml"
	"github.com/liger-go/liger/ml/nn/rope"
)

// RoPE rotates t (batch, heads, sequence, head_dim) by the position tables
// in emb using the rotate-half (NeoX) pairing of dimension i with i+d/2.
func RoPE(ctx ml.Context, t *ml.Tensor, emb rope.Embeddings) *ml.Tensor {
	batch, heads, seq, dim := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
	if t.Rank() != 4 || dim%2 != 0 ||
		emb.Cos.Dim(0) != batch || emb.Cos.Dim(1) != seq || emb.Cos.Dim(2) != dim || !emb.Cos.SameShape(emb.Sin) {
		panic(fmt.Errorf("%w: rope tables %v for %v", ml.ErrShape, emb.Cos.Shape(), t.Shape()))
	}

	src, cos, sin := t.Floats(), emb.Cos.Floats(), emb.Sin.Floats()
	out := make([]float32, len(src))
	half := dim / 2
	for b := range batch {
		for h := range heads {
			for s := range seq {
				x := src[((b*heads+h)*seq+s)*dim:][:dim]
				o := out[((b*heads+h)*seq+s)*dim:][:dim]
				c := cos[(b*seq+s)*dim:][:dim]
				n := sin[(b*seq+s)*dim:][:dim]
				for i := range half {
					o[i] = x[i]*c[i] - x[i+half]*n[i]
					o[i+half] = x[i+half]*c[i+half] + x[i]*n[i+half]
				}
			}
		}
	}

	r, err := ml.FromFloatsDType(out, t.DType(), t.Shape()...)
	if err != nil {
		panic(err)
	}
	return r
}
