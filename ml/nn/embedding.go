package nn

import "github.com/liger-go/liger/ml"

type Embedding struct {
	Weight *ml.Tensor `hf:"weight"`
}

// Forward looks up ids (batch, sequence) and returns (batch, sequence, hidden).
func (m *Embedding) Forward(ctx ml.Context, ids [][]int32) *ml.Tensor {
	flat := make([]int32, 0, len(ids)*len(ids[0]))
	for _, row := range ids {
		flat = append(flat, row...)
	}
	return m.Weight.Rows(ctx, flat).Reshape(ctx, len(ids), len(ids[0]), m.Weight.Dim(1))
}
