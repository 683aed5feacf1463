package attention

import (
	"github.com/liger-go/liger/ml"
)

type Options struct {
	// Scale is a scaling factor applied to the attention scores. Default is 1/√d_k.
	Scale float64

	// Window is the number of most recent keys, including the query's own
	// position, a query may attend to: the query at position i sees keys
	// i-Window+1 through i. This is one key fewer than a flash attention
	// window_size of (Window, Window), which spans Window+1 keys. Zero
	// disables the window.
	Window int

	// Mask flags valid (1) and padded (0) positions, shaped (batch, mask_len).
	// Its last columns align with the last keys.
	Mask *ml.Tensor
}

func WithScale(scale float64) func(*Options) {
	return func(o *Options) {
		o.Scale = scale
	}
}

func WithWindow(window int) func(*Options) {
	return func(o *Options) {
		o.Window = window
	}
}

func WithMask(mask *ml.Tensor) func(*Options) {
	return func(o *Options) {
		o.Mask = mask
	}
}
