package kvcache

import (
	"fmt"
	"slices"

	"github.com/liger-go/liger/ml"
)

// Recurrent stores, per layer, the fixed size recurrent state summarizing
// every token processed so far, plus the keys and values of the most recent
// tokens for windowed attention.
//
// A Recurrent belongs to one generation session and is not safe for
// concurrent forward passes.
type Recurrent struct {
	layers []layer

	// offset is the number of tokens processed, advanced by layer 0
	offset int
}

type layer struct {
	state        []*ml.Tensor
	keys, values *ml.Tensor
}

func NewRecurrent() *Recurrent {
	return &Recurrent{}
}

// Len is the number of layers holding state.
func (c *Recurrent) Len() int {
	n := 0
	for _, l := range c.layers {
		if l.state != nil {
			n++
		}
	}
	return n
}

// Offset is the number of tokens processed so far.
func (c *Recurrent) Offset() int {
	return c.offset
}

func checkLayer(layer int) error {
	if layer < 0 {
		return fmt.Errorf("%w: got %d", ErrLayerIndex, layer)
	}
	return nil
}

// State returns the recurrent state of layer, or nil if the layer has not
// processed any tokens.
func (c *Recurrent) State(layer int) ([]*ml.Tensor, error) {
	if err := checkLayer(layer); err != nil {
		return nil, err
	}
	if layer >= len(c.layers) {
		return nil, nil
	}
	return c.layers[layer].state, nil
}

// Update replaces the recurrent state of layer after it processed n new
// tokens. Once set, a layer's state keeps its shape.
func (c *Recurrent) Update(layer int, state []*ml.Tensor, n int) error {
	if err := checkLayer(layer); err != nil {
		return err
	}

	c.grow(layer)

	if prev := c.layers[layer].state; prev != nil {
		if len(prev) != len(state) {
			return fmt.Errorf("%w: layer %d state has %d tensors, got %d", ml.ErrShape, layer, len(prev), len(state))
		}
		for i := range prev {
			if !prev[i].SameShape(state[i]) {
				return fmt.Errorf("%w: layer %d state %d has shape %v, got %v", ml.ErrShape, layer, i, prev[i].Shape(), state[i])
			}
		}
	}

	c.layers[layer].state = state
	if layer == 0 {
		c.offset += n
	}
	return nil
}

func (c *Recurrent) grow(i int) {
	for len(c.layers) <= i {
		c.layers = append(c.layers, layer{})
	}
}

// Reset discards every layer's state.
func (c *Recurrent) Reset() {
	c.layers = nil
	c.offset = 0
}

// Snapshot is a saved copy of a Recurrent's layers and offset.
type Snapshot struct {
	layers []layer
	offset int
}

// Snapshot saves the cache so a failed forward pass can be undone with
// Restore. Tensors are shared with the cache, which only ever replaces them.
func (c *Recurrent) Snapshot() Snapshot {
	return Snapshot{layers: slices.Clone(c.layers), offset: c.offset}
}

// Restore returns the cache to the state saved in s.
func (c *Recurrent) Restore(s Snapshot) {
	c.layers = slices.Clone(s.layers)
	c.offset = s.offset
}

// Legacy exports the cache as per-layer tuples and the token offset.
func (c *Recurrent) Legacy() ([]LayerState, int) {
	layers := make([]LayerState, len(c.layers))
	for i, l := range c.layers {
		layers[i] = LayerState{
			State:  slices.Clone(l.state),
			Keys:   l.keys,
			Values: l.values,
		}
	}
	return layers, c.offset
}
