package input

import (
	"fmt"

	"github.com/liger-go/liger/ml"
)

// Batch contains the inputs for a model forward pass: equally long token
// sequences, one row per sequence.
type Batch struct {
	// Inputs holds token ids, (batch, sequence).
	Inputs [][]int32

	// Positions holds the position id of every input. When nil, positions
	// continue from the number of tokens the cache has processed.
	Positions [][]int32

	// Mask flags valid (1) vs padded (0) tokens, (batch, mask_len) with
	// mask_len of at least the sequence length. Sequences are left padded
	// and the last columns of Mask align with Inputs.
	Mask *ml.Tensor

	// HiddenStates requests the hidden state entering every layer in the
	// output, followed by the final hidden state.
	HiddenStates bool
}

// Dims returns the batch size and sequence length.
func (b Batch) Dims() (batch, sequence int) {
	if len(b.Inputs) == 0 {
		return 0, 0
	}
	return len(b.Inputs), len(b.Inputs[0])
}

func (b Batch) Validate() error {
	batch, seq := b.Dims()
	if batch < 1 || seq < 1 {
		return fmt.Errorf("%w: batch of %d sequences of %d tokens", ml.ErrShape, batch, seq)
	}

	for i, row := range b.Inputs {
		if len(row) != seq {
			return fmt.Errorf("%w: sequence %d has %d tokens, want %d", ml.ErrShape, i, len(row), seq)
		}
	}

	if b.Positions != nil {
		if len(b.Positions) != batch {
			return fmt.Errorf("%w: length of positions (%v) must match length of inputs (%v)", ml.ErrShape, len(b.Positions), batch)
		}
		for i, row := range b.Positions {
			if len(row) != seq {
				return fmt.Errorf("%w: positions %d has %d entries, want %d", ml.ErrShape, i, len(row), seq)
			}
		}
	}

	if b.Mask != nil && (b.Mask.Rank() != 2 || b.Mask.Dim(0) != batch || b.Mask.Dim(1) < seq) {
		return fmt.Errorf("%w: mask %v for %d sequences of %d tokens", ml.ErrShape, b.Mask.Shape(), batch, seq)
	}

	return nil
}

// MaskFromLengths builds a left padded mask for sequences of total tokens
// where sequence i has lengths[i] real tokens.
func MaskFromLengths(lengths []int, total int) (*ml.Tensor, error) {
	mask := make([]float32, len(lengths)*total)
	for i, n := range lengths {
		if n < 0 || n > total {
			return nil, fmt.Errorf("%w: sequence %d has %d of %d tokens", ml.ErrShape, i, n, total)
		}
		for j := total - n; j < total; j++ {
			mask[i*total+j] = 1
		}
	}
	return ml.FromFloats(mask, len(lengths), total)
}
