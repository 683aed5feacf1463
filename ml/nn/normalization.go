package nn

import (
	"github.com/liger-go/liger/ml"
)

type RMSNorm struct {
	Weight *ml.Tensor `hf:"weight"`
}

func (m *RMSNorm) Forward(ctx ml.Context, t *ml.Tensor, eps float32) *ml.Tensor {
	return t.RMSNorm(ctx, m.Weight, eps)
}
