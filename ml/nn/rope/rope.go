// Package rope computes rotary position embedding tables.
package rope

import (
	"fmt"
	"math"

	"github.com/liger-go/liger/ml"
)

// Options contains optional parameters for the frequency table
type Options struct {
	Type   string
	Factor float32

	// llama3 options
	LowFreqFactor,
	HighFreqFactor float32
	OriginalContextLength int
}

// Scaling is the rope_scaling object of a model config.
type Scaling struct {
	Type                  string  `mapstructure:"type"`
	RopeType              string  `mapstructure:"rope_type"`
	Factor                float32 `mapstructure:"factor"`
	LowFreqFactor         float32 `mapstructure:"low_freq_factor"`
	HighFreqFactor        float32 `mapstructure:"high_freq_factor"`
	OriginalContextLength int     `mapstructure:"original_max_position_embeddings"`
}

// Name is the scaling type, preferring rope_type over the older type key.
func (s Scaling) Name() string {
	switch {
	case s.RopeType != "":
		return s.RopeType
	case s.Type != "":
		return s.Type
	default:
		return "default"
	}
}

func (s Scaling) Validate() error {
	switch s.Name() {
	case "default":
		return nil
	case "linear":
		if s.Factor <= 0 {
			return fmt.Errorf("rope scaling factor must be positive, got %v", s.Factor)
		}
	case "llama3":
		if s.Factor <= 0 || s.LowFreqFactor <= 0 || s.HighFreqFactor <= s.LowFreqFactor || s.OriginalContextLength <= 0 {
			return fmt.Errorf("invalid llama3 rope scaling %+v", s)
		}
	default:
		return fmt.Errorf("unsupported rope scaling type %q", s.Name())
	}
	return nil
}

// WithScaling applies a config's rope_scaling
func WithScaling(s Scaling) func(*Options) {
	return func(opts *Options) {
		opts.Type = s.Name()
		opts.Factor = s.Factor
		opts.LowFreqFactor = s.LowFreqFactor
		opts.HighFreqFactor = s.HighFreqFactor
		opts.OriginalContextLength = s.OriginalContextLength
	}
}

// WithLinearScaling divides positions by factor
func WithLinearScaling(factor float32) func(*Options) {
	return func(opts *Options) {
		opts.Type = "linear"
		opts.Factor = factor
	}
}

// Frequencies returns the dim/2 inverse frequencies base^(-2i/dim).
func Frequencies(dim int, base float32, options ...func(*Options)) []float64 {
	var opts Options
	for _, o := range options {
		o(&opts)
	}

	freqs := make([]float64, dim/2)
	for i := range freqs {
		freqs[i] = 1 / math.Pow(float64(base), float64(2*i)/float64(dim))
	}

	switch opts.Type {
	case "linear":
		for i := range freqs {
			freqs[i] /= float64(opts.Factor)
		}
	case "llama3":
		factor := float64(opts.Factor)
		low, high := float64(opts.LowFreqFactor), float64(opts.HighFreqFactor)
		ctxLen := float64(opts.OriginalContextLength)
		lowWavelen, highWavelen := ctxLen/low, ctxLen/high
		for i, f := range freqs {
			wavelen := 2 * math.Pi / f
			switch {
			case wavelen < highWavelen:
			case wavelen > lowWavelen:
				freqs[i] = f / factor
			default:
				smooth := (ctxLen/wavelen - low) / (high - low)
				freqs[i] = (1-smooth)*f/factor + smooth*f
			}
		}
	}

	return freqs
}

// Embeddings are the cos and sin tables, each (batch, sequence, dim), for
// a batch of positions. The second half of dim repeats the first.
type Embeddings struct {
	Cos, Sin *ml.Tensor
}

// New computes the tables for positions (batch, sequence).
func New(positions [][]int32, dim int, base float32, options ...func(*Options)) Embeddings {
	freqs := Frequencies(dim, base, options...)

	batch := len(positions)
	seq := 0
	if batch > 0 {
		seq = len(positions[0])
	}

	cos := make([]float32, batch*seq*dim)
	sin := make([]float32, batch*seq*dim)
	half := dim / 2
	for b, row := range positions {
		for t, p := range row {
			off := (b*seq + t) * dim
			for i, f := range freqs {
				c, s := math.Cos(float64(p)*f), math.Sin(float64(p)*f)
				cos[off+i], cos[off+half+i] = float32(c), float32(c)
				sin[off+i], sin[off+half+i] = float32(s), float32(s)
			}
		}
	}

	c, err := ml.FromFloats(cos, batch, seq, dim)
	if err != nil {
		panic(err)
	}
	s, err := ml.FromFloats(sin, batch, seq, dim)
	if err != nil {
		panic(err)
	}
	return Embeddings{Cos: c, Sin: s}
}
