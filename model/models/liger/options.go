package liger

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/liger-go/liger/envconfig"
	"github.com/liger-go/liger/fs"
	"github.com/liger-go/liger/ml/nn/rope"
)

var ErrConfig = errors.New("liger: invalid configuration")

const (
	defaultBlend          = 0.5
	defaultWindow         = 64
	defaultGateNormalizer = 16
	defaultPoolSize       = 64
)

type Options struct {
	hiddenSize,
	numHeads,
	numKVHeads,
	headDim,
	intermediateSize,
	vocabSize int

	eps,
	ropeBase float32
	ropeScaling rope.Scaling

	// gate
	poolSize       int
	gateNormalizer float64
	gateAfterSplit bool

	// blend weight of the windowed path; the recurrent path gets 1-blend
	blend     float64
	window    int
	chunkSize int

	numExperts,
	numExpertsUsed,
	moeIntermediateSize,
	sparseStep int
	mlpOnlyLayers []int32
	normTopKProb  bool

	slidingWindow int
}

// groups is the number of query heads sharing one key/value head.
func (o *Options) groups() int {
	return o.numHeads / o.numKVHeads
}

// sparse reports whether layer uses the mixture-of-experts MLP.
func (o *Options) sparse(layer int) bool {
	return o.numExperts > 0 && o.sparseStep > 0 &&
		(layer+1)%o.sparseStep == 0 &&
		!slices.Contains(o.mlpOnlyLayers, int32(layer))
}

// defaults are the per architecture fallbacks for keys missing from the config.
type defaults struct {
	eps      float32
	ropeBase float32
	headDim  int
}

func newOptions(c fs.Config, d defaults) (*Options, error) {
	o := Options{
		hiddenSize:          int(c.Uint("hidden_size")),
		numHeads:            int(c.Uint("num_attention_heads")),
		intermediateSize:    int(c.Uint("intermediate_size")),
		vocabSize:           int(c.Uint("vocab_size")),
		eps:                 c.Float("rms_norm_eps", d.eps),
		ropeBase:            c.Float("rope_theta", d.ropeBase),
		poolSize:            int(c.Uint("pool_size", defaultPoolSize)),
		gateNormalizer:      float64(c.Float("gate_logit_normalizer", defaultGateNormalizer)),
		blend:               float64(c.Float("liger_blend", defaultBlend)),
		window:              int(c.Uint("liger_window", defaultWindow)),
		chunkSize:           int(envconfig.ChunkSize()),
		numExperts:          int(c.Uint("num_experts")),
		numExpertsUsed:      int(c.Uint("num_experts_per_tok")),
		moeIntermediateSize: int(c.Uint("moe_intermediate_size")),
		sparseStep:          int(c.Uint("decoder_sparse_step", 1)),
		mlpOnlyLayers:       c.Ints("mlp_only_layers"),
		normTopKProb:        c.Bool("norm_topk_prob", false),
	}

	o.numKVHeads = int(c.Uint("num_key_value_heads", uint32(o.numHeads)))
	if o.numHeads > 0 {
		o.headDim = int(c.Uint("head_dim", uint32(cmp.Or(d.headDim, o.hiddenSize/o.numHeads))))
	}

	if c.Bool("use_sliding_window") {
		o.slidingWindow = int(c.Uint("sliding_window"))
	}

	if err := c.Decode("rope_scaling", &o.ropeScaling); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	return &o, nil
}

// Validate checks the head geometry and numeric settings. explicitHeadDim
// allows an attention width other than hidden_size.
func (o *Options) Validate(explicitHeadDim bool) error {
	switch {
	case o.hiddenSize <= 0 || o.numHeads <= 0 || o.numKVHeads <= 0 || o.headDim <= 0:
		return fmt.Errorf("%w: hidden_size, num_attention_heads, num_key_value_heads and head_dim must be positive", ErrConfig)
	case o.numHeads%o.numKVHeads != 0:
		return fmt.Errorf("%w: num_attention_heads (%d) must be a multiple of num_key_value_heads (%d)", ErrConfig, o.numHeads, o.numKVHeads)
	case !explicitHeadDim && o.numHeads*o.headDim != o.hiddenSize:
		return fmt.Errorf("%w: hidden_size (%d) must equal num_attention_heads (%d) * head_dim (%d)", ErrConfig, o.hiddenSize, o.numHeads, o.headDim)
	case o.vocabSize <= 0 || o.intermediateSize <= 0:
		return fmt.Errorf("%w: vocab_size and intermediate_size must be positive", ErrConfig)
	case o.eps <= 0:
		return fmt.Errorf("%w: rms_norm_eps must be positive", ErrConfig)
	case o.poolSize <= 0:
		return fmt.Errorf("%w: pool_size must be positive", ErrConfig)
	case o.gateNormalizer <= 0:
		return fmt.Errorf("%w: gate_logit_normalizer must be positive", ErrConfig)
	case o.blend < 0 || o.blend > 1:
		return fmt.Errorf("%w: liger_blend (%v) must be within [0, 1]", ErrConfig, o.blend)
	case o.window <= 0:
		return fmt.Errorf("%w: liger_window must be positive", ErrConfig)
	case o.chunkSize <= 0:
		return fmt.Errorf("%w: chunk size must be positive", ErrConfig)
	case o.numExperts > 0 && (o.numExpertsUsed <= 0 || o.numExpertsUsed > o.numExperts || o.moeIntermediateSize <= 0):
		return fmt.Errorf("%w: num_experts_per_tok (%d) must be within [1, %d] with a positive moe_intermediate_size", ErrConfig, o.numExpertsUsed, o.numExperts)
	}

	if err := o.ropeScaling.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return nil
}
