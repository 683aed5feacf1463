package nn

import (
	"fmt"
	"math"

	"github.com/liger-go/liger/ml"
	"github.com/liger-go/liger/ml/nn/attention"
)

// WindowedAttention implements causal scaled dot-product attention over a
// sliding window of keys:
//
//	Attention(Q, K, V) = softmax(QK^T·scale + causal window mask)V
//
// Parameters:
//   - query: (batch, heads, seq_len_q, d_k)
//   - key: (batch, kv_heads, seq_len_k, d_k), seq_len_k >= seq_len_q. The
//     first seq_len_k-seq_len_q keys precede the queries
//   - value: (batch, kv_heads, seq_len_k, d_v)
//
// Query heads share key/value head h/(heads/kv_heads). Queries at padded
// positions, or with no visible key, produce zeros.
//
// Returns:
//
//	Attention output with shape (batch, heads, seq_len_q, d_v)
func WindowedAttention(ctx ml.Context, query, key, value *ml.Tensor, options ...func(*attention.Options)) *ml.Tensor {
	batch, heads, seqQ, dk := query.Dim(0), query.Dim(1), query.Dim(2), query.Dim(3)
	kvHeads, seqK, dv := key.Dim(1), key.Dim(2), value.Dim(3)

	if query.Rank() != 4 || key.Rank() != 4 || value.Rank() != 4 {
		panic(fmt.Errorf("%w: attention expects rank 4 inputs, got %v %v %v", ml.ErrShape, query.Shape(), key.Shape(), value.Shape()))
	}
	if key.Dim(3) != dk {
		panic(fmt.Errorf("%w: d_k in attention operation does not match between query(%v) and key(%v)", ml.ErrShape, dk, key.Dim(3)))
	}
	if key.Dim(0) != batch || value.Dim(0) != batch {
		panic(fmt.Errorf("%w: batch in attention operation does not match between query(%v), key(%v) and value(%v)", ml.ErrShape, batch, key.Dim(0), value.Dim(0)))
	}
	if value.Dim(1) != kvHeads || value.Dim(2) != seqK {
		panic(fmt.Errorf("%w: key %v and value %v disagree", ml.ErrShape, key.Shape(), value.Shape()))
	}
	if kvHeads == 0 || heads%kvHeads != 0 {
		panic(fmt.Errorf("%w: %d query heads cannot share %d kv heads", ml.ErrShape, heads, kvHeads))
	}
	if seqK < seqQ {
		panic(fmt.Errorf("%w: %d keys for %d queries", ml.ErrShape, seqK, seqQ))
	}

	opts := attention.Options{Scale: 1 / math.Sqrt(float64(dk))}
	for _, o := range options {
		o(&opts)
	}

	// valid reports whether key j of batch b is not padding
	valid := func(b, j int) bool { return true }
	if opts.Mask != nil {
		if opts.Mask.Rank() != 2 || opts.Mask.Dim(0) != batch {
			panic(fmt.Errorf("%w: mask %v for batch %d", ml.ErrShape, opts.Mask.Shape(), batch))
		}
		mask, cols := opts.Mask.Floats(), opts.Mask.Dim(1)
		valid = func(b, j int) bool {
			c := cols - seqK + j
			return c < 0 || mask[b*cols+c] != 0
		}
	}

	groups := heads / kvHeads
	q, k, v := query.Floats(), key.Floats(), value.Floats()
	out := make([]float32, batch*heads*seqQ*dv)

	if err := ml.Parallel(ctx, batch*heads, func(i int) error {
		b, h := i/heads, i%heads
		kh := b*kvHeads + h/groups
		acc := make([]float64, dv)
		for t := range seqQ {
			pos := seqK - seqQ + t
			o := out[((b*heads+h)*seqQ+t)*dv:][:dv]
			if !valid(b, pos) {
				continue
			}

			first := 0
			if opts.Window > 0 {
				first = max(0, pos-opts.Window+1)
			}

			qt := q[((b*heads+h)*seqQ+t)*dk:][:dk]
			clear(acc)
			m, sum := math.Inf(-1), 0.0
			for j := first; j <= pos; j++ {
				if !valid(b, j) {
					continue
				}

				kj := k[(kh*seqK+j)*dk:][:dk]
				var score float64
				for d := range dk {
					score += float64(qt[d]) * float64(kj[d])
				}
				score *= opts.Scale

				// online softmax: rescale the running sum when the max moves
				if score > m {
					c := math.Exp(m - score)
					sum *= c
					for d := range acc {
						acc[d] *= c
					}
					m = score
				}

				w := math.Exp(score - m)
				sum += w
				vj := v[(kh*seqK+j)*dv:][:dv]
				for d := range acc {
					acc[d] += w * float64(vj[d])
				}
			}

			if sum == 0 {
				continue
			}
			for d := range acc {
				o[d] = float32(acc[d] / sum)
			}
		}
		return nil
	}); err != nil {
		panic(err)
	}

	t, err := ml.FromFloatsDType(out, ml.Promote(query.DType(), value.DType()), batch, heads, seqQ, dv)
	if err != nil {
		panic(err)
	}
	return t
}
