package nn

import "github.com/liger-go/liger/ml"

type Linear struct {
	Weight *ml.Tensor `hf:"weight"`
	Bias   *ml.Tensor `hf:"bias"`
}

// Forward projects the innermost dimension of t through Weight (out, in).
func (m *Linear) Forward(ctx ml.Context, t *ml.Tensor) *ml.Tensor {
	t = t.MulmatT(ctx, m.Weight)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}

// DType is the dtype of the projection weights.
func (m *Linear) DType() ml.DType {
	return m.Weight.DType()
}
