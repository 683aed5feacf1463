// Package liger implements hybrid decoders that blend gated linear or gated
// slot attention with sliding window attention in every layer, on Llama
// (liger_gsa), Qwen2 (liger_qwen2_gla) and Qwen3 (liger_qwen3_gla,
// liger_qwen3_moe_gla) backbones.
package liger

import (
	"errors"
	"fmt"

	"github.com/liger-go/liger/fs"
	"github.com/liger-go/liger/kvcache"
	"github.com/liger-go/liger/ml"
	"github.com/liger-go/liger/ml/nn"
	"github.com/liger-go/liger/ml/nn/rope"
	"github.com/liger-go/liger/model"
	"github.com/liger-go/liger/model/input"
)

type Model struct {
	model.Base

	TokenEmbedding *nn.Embedding `hf:"model.embed_tokens"`
	Layers         []Layer       `hf:"model.layers"`
	OutputNorm     *nn.RMSNorm   `hf:"model.norm"`
	Output         *nn.Linear    `hf:"lm_head,alt:model.embed_tokens"`

	*Options
}

var _ model.Model = (*Model)(nil)

// Forward implements model.Model.
func (m *Model) Forward(ctx ml.Context, batch input.Batch, cache *kvcache.Recurrent) (*model.Output, error) {
	if m.slidingWindow > 0 {
		ctx.Emit(ml.Diagnostic{
			Kind:    ml.DiagnosticSlidingWindow,
			Message: "sliding_window is ignored; hybrid layers attend over their own window",
			Attrs:   []any{"sliding_window", m.slidingWindow, "window", m.window},
		})
	}

	hiddenStates := m.TokenEmbedding.Forward(ctx, batch.Inputs)

	// one rotary table shared by every layer
	emb := rope.New(batch.Positions, m.headDim, m.ropeBase, rope.WithScaling(m.ropeScaling))

	var states []*ml.Tensor
	for i := range m.Layers {
		if batch.HiddenStates {
			states = append(states, hiddenStates)
		}

		var err error
		hiddenStates, err = m.Layers[i].Forward(ctx, hiddenStates, batch.Mask, &emb, batch.Positions, cache, m.Options)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}

	hiddenStates = m.OutputNorm.Forward(ctx, hiddenStates, m.eps)
	if batch.HiddenStates {
		states = append(states, hiddenStates)
	}

	return &model.Output{
		Logits:       m.Output.Forward(ctx, hiddenStates),
		Hidden:       hiddenStates,
		HiddenStates: states,
	}, nil
}

// Validate reports weights missing from the checkpoint.
func (m *Model) Validate() error {
	var errs []error
	missing := func(name string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("missing tensor %s", name))
		}
	}

	linear := func(name string, l *nn.Linear) {
		missing(name+".weight", l != nil && l.Weight != nil)
	}
	norm := func(name string, n *nn.RMSNorm) {
		missing(name+".weight", n != nil && n.Weight != nil)
	}

	missing("model.embed_tokens.weight", m.TokenEmbedding != nil && m.TokenEmbedding.Weight != nil)
	norm("model.norm", m.OutputNorm)
	linear("lm_head", m.Output)

	for i, layer := range m.Layers {
		prefix := fmt.Sprintf("model.layers.%d.", i)
		norm(prefix+"input_layernorm", layer.AttentionNorm)
		norm(prefix+"post_attention_layernorm", layer.MLPNorm)

		if sa, ok := layer.Operator.(*Attention); ok {
			linear(prefix+"self_attn.q_proj", sa.Query)
			linear(prefix+"self_attn.k_proj", sa.Key)
			linear(prefix+"self_attn.v_proj", sa.Value)
			linear(prefix+"self_attn.o_proj", sa.Output)
			if m.gateAfterSplit {
				norm(prefix+"self_attn.q_norm", sa.QueryNorm)
				norm(prefix+"self_attn.k_norm", sa.KeyNorm)
			}
		}

		switch mlp := layer.MLP.(type) {
		case *dense:
			linear(prefix+"mlp.gate_proj", mlp.Gate)
			linear(prefix+"mlp.up_proj", mlp.Up)
			linear(prefix+"mlp.down_proj", mlp.Down)
		case *sparse:
			linear(prefix+"mlp.gate", mlp.Router)
			if mlp.Router != nil && mlp.Router.Weight != nil && mlp.Router.Weight.Dim(0) != len(mlp.Experts) {
				errs = append(errs, fmt.Errorf("%s: router has %d outputs for %d experts", prefix+"mlp.gate", mlp.Router.Weight.Dim(0), len(mlp.Experts)))
			}
			for j := range mlp.Experts {
				expert := fmt.Sprintf("%smlp.experts.%d.", prefix, j)
				linear(expert+"gate_proj", mlp.Experts[j].Gate)
				linear(expert+"up_proj", mlp.Experts[j].Up)
				linear(expert+"down_proj", mlp.Experts[j].Down)
			}
		}
	}

	return errors.Join(errs...)
}

// variant describes how an architecture builds its layers.
type variant struct {
	defaults

	mixer          func() Mixer
	gateAfterSplit bool
	explicitHead   bool
	legacyCache    bool
}

func (v variant) new(c fs.Config) (model.Model, error) {
	opts, err := newOptions(c, v.defaults)
	if err != nil {
		return nil, err
	}
	opts.gateAfterSplit = v.gateAfterSplit

	if err := opts.Validate(v.explicitHead); err != nil {
		return nil, err
	}

	layers := make([]Layer, c.Uint("num_hidden_layers"))
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: num_hidden_layers must be positive", ErrConfig)
	}

	for i := range layers {
		layers[i].Operator = &Attention{Mixer: v.mixer(), Layer: i}
		if opts.sparse(i) {
			layers[i].MLP = &sparse{Experts: make([]dense, opts.numExperts)}
		} else {
			layers[i].MLP = &dense{}
		}
	}

	m := Model{
		Layers:  layers,
		Options: opts,
	}
	m.LegacyCache = v.legacyCache
	return &m, nil
}

var (
	// Llama backbone: slot attention gated from the pre-split key projection.
	gsaVariant = variant{
		defaults:    defaults{eps: 1e-6, ropeBase: 10000},
		mixer:       func() Mixer { return &gsa{} },
		legacyCache: true,
	}

	// Qwen2 backbone: linear attention gated from the pre-split key projection.
	qwen2Variant = variant{
		defaults: defaults{eps: 1e-6, ropeBase: 10000},
		mixer:    func() Mixer { return &gla{} },
	}

	// Qwen3 backbone: linear attention gated per head after key normalization.
	qwen3Variant = variant{
		defaults:       defaults{eps: 1e-6, ropeBase: 1000000, headDim: 128},
		mixer:          func() Mixer { return &gla{} },
		gateAfterSplit: true,
		explicitHead:   true,
	}
)

func init() {
	model.Register("liger_gsa", gsaVariant.new)
	model.Register("liger_qwen2_gla", qwen2Variant.new)
	model.Register("liger_qwen3_gla", qwen3Variant.new)
	model.Register("liger_qwen3_moe_gla", qwen3Variant.new)
}
