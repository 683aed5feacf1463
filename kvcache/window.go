package kvcache

import (
	"github.com/liger-go/liger/ml"
)

// Window returns the cached keys and values of layer, (batch, kv_heads,
// n, head_dim), or nils when there are none.
func (c *Recurrent) Window(layer int) (keys, values *ml.Tensor, err error) {
	if err := checkLayer(layer); err != nil {
		return nil, nil, err
	}
	if layer >= len(c.layers) {
		return nil, nil, nil
	}
	return c.layers[layer].keys, c.layers[layer].values, nil
}

// PutWindow keeps the last size tokens of keys and values for layer. keys
// and values must already include the previously cached tokens.
func (c *Recurrent) PutWindow(ctx ml.Context, layer int, keys, values *ml.Tensor, size int) error {
	if err := checkLayer(layer); err != nil {
		return err
	}

	c.grow(layer)

	if size <= 0 {
		c.layers[layer].keys, c.layers[layer].values = nil, nil
		return nil
	}

	n := keys.Dim(2)
	start := max(0, n-size)
	c.layers[layer].keys = keys.Slice(ctx, 2, start, n)
	c.layers[layer].values = values.Slice(ctx, 2, start, n)
	return nil
}
