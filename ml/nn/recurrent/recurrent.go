// Package recurrent implements gated linear attention (GLA) and gated slot
// attention (GSA) in two equivalent forms: a chunked form that processes a
// span of tokens in blocks, and a fused recurrent form that advances the
// state one token at a time.
//
// All inputs are laid out (batch, heads, sequence, dim). Computation happens
// in float64 and outputs are F32 tensors.
package recurrent

import (
	"fmt"
	"math"

	"github.com/liger-go/liger/ml"
)

const DefaultChunkSize = 64

type Options struct {
	// ChunkSize is the block length of the chunked form.
	ChunkSize int
}

func WithChunkSize(n int) func(*Options) {
	return func(o *Options) {
		if n > 0 {
			o.ChunkSize = n
		}
	}
}

// head is one (batch, head) slice of the inputs of a gated recurrence
//
//	S_t = diag(exp gk_t) S_{t-1} diag(exp gv_t) + k_tᵀ v_t
//	o_t = scale q_t S_t
//
// S is K×V. Either gate may be nil.
type head struct {
	q, k, v []float64
	gk, gv  []float64
	t, dk, dv int
}

func (h *head) gateK(t, d int) float64 {
	if h.gk == nil {
		return 0
	}
	return h.gk[t*h.dk+d]
}

func (h *head) gateV(t, e int) float64 {
	if h.gv == nil {
		return 0
	}
	return h.gv[t*h.dv+e]
}

// step advances s over every token of h one at a time, writing o (t×dv).
func step(h *head, scale float64, s, o []float64) {
	for t := range h.t {
		q, k, v := h.q[t*h.dk:][:h.dk], h.k[t*h.dk:][:h.dk], h.v[t*h.dv:][:h.dv]
		for d := range h.dk {
			a := math.Exp(h.gateK(t, d))
			row := s[d*h.dv:][:h.dv]
			for e := range row {
				row[e] = row[e]*a*math.Exp(h.gateV(t, e)) + k[d]*v[e]
			}
		}

		out := o[t*h.dv:][:h.dv]
		clear(out)
		for d := range h.dk {
			row := s[d*h.dv:][:h.dv]
			for e := range out {
				out[e] += q[d] * row[e]
			}
		}
		for e := range out {
			out[e] *= scale
		}
	}
}

// chunk advances s over h in blocks of size n. Within a block with
// cumulative log gates bk, bv (relative to the block start):
//
//	o_t = scale [((q_t⊙e^{bk_t}) S_0)⊙e^{bv_t} + Σ_{j≤t} (q_t⊙e^{bk_t-bk_j})·k_j (v_j⊙e^{bv_t-bv_j})]
//	S_n = diag(e^{bk_n}) S_0 diag(e^{bv_n}) + Σ_j (k_j⊙e^{bk_n-bk_j})ᵀ (v_j⊙e^{bv_n-bv_j})
func chunk(h *head, scale float64, n int, s, o []float64) {
	bk := make([]float64, n*h.dk)
	bv := make([]float64, n*h.dv)
	qa := make([]float64, h.dk)

	for c0 := 0; c0 < h.t; c0 += n {
		size := min(n, h.t-c0)

		for t := range size {
			for d := range h.dk {
				bk[t*h.dk+d] = h.gateK(c0+t, d)
				if t > 0 {
					bk[t*h.dk+d] += bk[(t-1)*h.dk+d]
				}
			}
			for e := range h.dv {
				bv[t*h.dv+e] = h.gateV(c0+t, e)
				if t > 0 {
					bv[t*h.dv+e] += bv[(t-1)*h.dv+e]
				}
			}
		}

		for t := range size {
			q := h.q[(c0+t)*h.dk:][:h.dk]
			out := o[(c0+t)*h.dv:][:h.dv]

			// contribution of the state carried into the block
			for d := range h.dk {
				qa[d] = q[d] * math.Exp(bk[t*h.dk+d])
			}
			clear(out)
			for d := range h.dk {
				row := s[d*h.dv:][:h.dv]
				for e := range out {
					out[e] += qa[d] * row[e]
				}
			}
			for e := range out {
				out[e] *= math.Exp(bv[t*h.dv+e])
			}

			// contribution of the block's own tokens
			for j := 0; j <= t; j++ {
				k := h.k[(c0+j)*h.dk:][:h.dk]
				v := h.v[(c0+j)*h.dv:][:h.dv]
				var a float64
				for d := range h.dk {
					a += q[d] * k[d] * math.Exp(bk[t*h.dk+d]-bk[j*h.dk+d])
				}
				for e := range out {
					out[e] += a * v[e] * math.Exp(bv[t*h.dv+e]-bv[j*h.dv+e])
				}
			}

			for e := range out {
				out[e] *= scale
			}
		}

		last := size - 1
		for d := range h.dk {
			a := math.Exp(bk[last*h.dk+d])
			row := s[d*h.dv:][:h.dv]
			for e := range row {
				row[e] *= a * math.Exp(bv[last*h.dv+e])
			}
		}
		for j := range size {
			k := h.k[(c0+j)*h.dk:][:h.dk]
			v := h.v[(c0+j)*h.dv:][:h.dv]
			for d := range h.dk {
				kd := k[d] * math.Exp(bk[last*h.dk+d]-bk[j*h.dk+d])
				row := s[d*h.dv:][:h.dv]
				for e := range row {
					row[e] += kd * v[e] * math.Exp(bv[last*h.dv+e]-bv[j*h.dv+e])
				}
			}
		}
	}
}

// wide copies the (batch, head) slice i of t into float64.
func wide(t *ml.Tensor, i, n int) []float64 {
	src := t.Floats()[i*n:][:n]
	dst := make([]float64, n)
	for j, v := range src {
		dst[j] = float64(v)
	}
	return dst
}

func narrow(dst []float32, src []float64) {
	for i, v := range src {
		dst[i] = float32(v)
	}
}

func tensor(data []float32, shape ...int) *ml.Tensor {
	t, err := ml.FromFloats(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

func checkShape(name string, t *ml.Tensor, shape ...int) error {
	if t == nil {
		return fmt.Errorf("%w: missing %s", ml.ErrShape, name)
	}
	if t.Rank() != len(shape) {
		return fmt.Errorf("%w: %s has shape %v, want %v", ml.ErrShape, name, t.Shape(), shape)
	}
	for i, d := range shape {
		if t.Dim(i) != d {
			return fmt.Errorf("%w: %s has shape %v, want %v", ml.ErrShape, name, t.Shape(), shape)
		}
	}
	return nil
}
