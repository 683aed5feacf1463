package liger

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liger-go/liger/fs/hf"
	"github.com/liger-go/liger/kvcache"
	"github.com/liger-go/liger/ml"
	"github.com/liger-go/liger/ml/nn/rope"
	"github.com/liger-go/liger/model"
	"github.com/liger-go/liger/model/input"
)

var architectures = []string{
	"liger_gsa",
	"liger_qwen2_gla",
	"liger_qwen3_gla",
	"liger_qwen3_moe_gla",
}

const (
	testHidden  = 64
	testHeads   = 4
	testKVHeads = 2
	testHeadDim = 16
	testInter   = 32
	testVocab   = 32
	testLayers  = 2
	testExperts = 4
)

func testConfig(arch string) hf.KV {
	kv := hf.KV{
		"model_type":          arch,
		"hidden_size":         testHidden,
		"num_attention_heads": testHeads,
		"num_key_value_heads": testKVHeads,
		"head_dim":            testHeadDim,
		"intermediate_size":   testInter,
		"vocab_size":          testVocab,
		"num_hidden_layers":   testLayers,
		"liger_window":        4,
		"pool_size":           8,
	}

	if arch == "liger_qwen3_moe_gla" {
		kv["num_experts"] = testExperts
		kv["num_experts_per_tok"] = 2
		kv["moe_intermediate_size"] = 16
		kv["norm_topk_prob"] = true
		kv["mlp_only_layers"] = []any{0}
	}
	return kv
}

// testWeights fills every tensor the architecture of kv loads. dtypeOf picks
// the dtype per tensor name; nil keeps everything F32.
func testWeights(t *testing.T, kv hf.KV, dtypeOf func(string) ml.DType) map[string]*ml.Tensor {
	t.Helper()
	r := rand.New(rand.NewPCG(7, 11))
	tensors := make(map[string]*ml.Tensor)
	add := func(name string, offset float64, shape ...int) {
		dtype := ml.DTypeF32
		if dtypeOf != nil {
			dtype = dtypeOf(name)
		}

		n := 1
		for _, d := range shape {
			n *= d
		}
		s := make([]float32, n)
		for i := range s {
			s[i] = float32(offset + 0.1*r.NormFloat64())
		}

		tt, err := ml.FromFloatsDType(s, dtype, shape...)
		require.NoError(t, err)
		tensors[name] = tt
	}

	arch := kv.Architecture()
	add("model.embed_tokens.weight", 0, testVocab, testHidden)
	add("model.norm.weight", 1, testHidden)
	add("lm_head.weight", 0, testVocab, testHidden)

	for i := range testLayers {
		prefix := fmt.Sprintf("model.layers.%d.", i)
		add(prefix+"input_layernorm.weight", 1, testHidden)
		add(prefix+"post_attention_layernorm.weight", 1, testHidden)

		add(prefix+"self_attn.q_proj.weight", 0, testHeads*testHeadDim, testHidden)
		add(prefix+"self_attn.k_proj.weight", 0, testKVHeads*testHeadDim, testHidden)
		add(prefix+"self_attn.v_proj.weight", 0, testKVHeads*testHeadDim, testHidden)
		add(prefix+"self_attn.o_proj.weight", 0, testHidden, testHeads*testHeadDim)

		switch arch {
		case "liger_qwen2_gla":
			add(prefix+"self_attn.q_proj.bias", 0, testHeads*testHeadDim)
			add(prefix+"self_attn.k_proj.bias", 0, testKVHeads*testHeadDim)
			add(prefix+"self_attn.v_proj.bias", 0, testKVHeads*testHeadDim)
		case "liger_qwen3_gla", "liger_qwen3_moe_gla":
			add(prefix+"self_attn.q_norm.weight", 1, testHeadDim)
			add(prefix+"self_attn.k_norm.weight", 1, testHeadDim)
		}

		if kv["num_experts"] != nil && !slices.Contains(kv.Ints("mlp_only_layers"), int32(i)) {
			add(prefix+"mlp.gate.weight", 0, testExperts, testHidden)
			for j := range testExperts {
				expert := fmt.Sprintf("%smlp.experts.%d.", prefix, j)
				add(expert+"gate_proj.weight", 0, 16, testHidden)
				add(expert+"up_proj.weight", 0, 16, testHidden)
				add(expert+"down_proj.weight", 0, testHidden, 16)
			}
		} else {
			add(prefix+"mlp.gate_proj.weight", 0, testInter, testHidden)
			add(prefix+"mlp.up_proj.weight", 0, testInter, testHidden)
			add(prefix+"mlp.down_proj.weight", 0, testHidden, testInter)
		}
	}
	return tensors
}

func testModel(t *testing.T, arch string) *Model {
	t.Helper()
	kv := testConfig(arch)
	return load(t, kv, testWeights(t, kv, nil))
}

func load(t *testing.T, kv hf.KV, tensors map[string]*ml.Tensor) *Model {
	t.Helper()
	m, err := model.Load(hf.NewCheckpoint(kv, tensors))
	require.NoError(t, err)
	return m.(*Model)
}

func forward(t *testing.T, ctx ml.Context, m model.Model, ids []int32, cache kvcache.Variant) *model.Output {
	t.Helper()
	out, err := model.Forward(ctx, m, input.Batch{Inputs: [][]int32{ids}}, cache)
	require.NoError(t, err)
	return out
}

func assertClose(t *testing.T, want, got *ml.Tensor, tol float64, msgAndArgs ...any) {
	t.Helper()
	require.Equal(t, want.Shape(), got.Shape(), msgAndArgs...)
	assert.LessOrEqual(t, want.MaxAbsDiff(got), tol, msgAndArgs...)
}

// recorder collects diagnostics emitted during forward passes.
type recorder struct {
	diagnostics []ml.Diagnostic
}

func (r *recorder) Emit(d ml.Diagnostic) { r.diagnostics = append(r.diagnostics, d) }

func (r *recorder) kinds() []ml.DiagnosticKind {
	var kinds []ml.DiagnosticKind
	for _, d := range r.diagnostics {
		if !slices.Contains(kinds, d.Kind) {
			kinds = append(kinds, d.Kind)
		}
	}
	return kinds
}

func ropeTable(m *Model, positions [][]int32) rope.Embeddings {
	return rope.New(positions, m.headDim, m.ropeBase, rope.WithScaling(m.ropeScaling))
}

var prompt = []int32{3, 1, 4, 1, 5, 9, 2, 6, 5}

// assertSameCache compares the recurrent state and window tail of every layer.
func assertSameCache(t *testing.T, want, got *kvcache.Recurrent, tol float64) {
	t.Helper()
	require.Equal(t, want.Offset(), got.Offset())
	require.Equal(t, want.Len(), got.Len())

	for i := range want.Len() {
		ws, err := want.State(i)
		require.NoError(t, err)
		gs, err := got.State(i)
		require.NoError(t, err)
		require.Len(t, gs, len(ws), "layer %d", i)
		for j := range ws {
			assertClose(t, ws[j], gs[j], tol, "layer %d state %d", i, j)
		}

		wk, wv, err := want.Window(i)
		require.NoError(t, err)
		gk, gv, err := got.Window(i)
		require.NoError(t, err)
		assertClose(t, wk, gk, tol, "layer %d window keys", i)
		assertClose(t, wv, gv, tol, "layer %d window values", i)
	}
}

func TestForwardContinuation(t *testing.T) {
	for _, arch := range architectures {
		for _, window := range []int{4, defaultWindow} {
			t.Run(fmt.Sprintf("%s/window=%d", arch, window), func(t *testing.T) {
				ctx := ml.NewContext()
				kv := testConfig(arch)
				if window == defaultWindow {
					delete(kv, "liger_window")
				}
				m := load(t, kv, testWeights(t, kv, nil))
				require.Equal(t, window, m.window)

				fullCache := kvcache.NewRecurrent()
				full := forward(t, ctx, m, prompt, kvcache.Structured(fullCache))
				require.Equal(t, []int{1, len(prompt), testVocab}, full.Logits.Shape())
				require.Equal(t, []int{1, len(prompt), testHidden}, full.Hidden.Shape())

				t.Run("decode", func(t *testing.T) {
					cache := kvcache.NewRecurrent()
					prefix := forward(t, ctx, m, prompt[:8], kvcache.Structured(cache))
					next := forward(t, ctx, m, prompt[8:], prefix.Cache)

					assertClose(t, full.Logits.Slice(ctx, 1, 0, 8), prefix.Logits, 1e-4)
					assertClose(t, full.Logits.Slice(ctx, 1, 8, 9), next.Logits, 1e-4)
					assert.Equal(t, len(prompt), cache.Offset())
					assert.Equal(t, testLayers, cache.Len())
					assertSameCache(t, fullCache, cache, 1e-4)
				})

				t.Run("token by token", func(t *testing.T) {
					cache := kvcache.NewRecurrent()
					for i, id := range prompt {
						out := forward(t, ctx, m, []int32{id}, kvcache.Structured(cache))
						assertClose(t, full.Logits.Slice(ctx, 1, i, i+1), out.Logits, 1e-4, "token %d", i)
					}
					assertSameCache(t, fullCache, cache, 1e-4)
				})

				t.Run("chunks", func(t *testing.T) {
					cache := kvcache.NewRecurrent()
					forward(t, ctx, m, prompt[:5], kvcache.Structured(cache))
					rest := forward(t, ctx, m, prompt[5:], kvcache.Structured(cache))

					assertClose(t, full.Logits.Slice(ctx, 1, 5, 9), rest.Logits, 1e-4)
					assertSameCache(t, fullCache, cache, 1e-4)
				})

				t.Run("window tail", func(t *testing.T) {
					tail := min(len(prompt), window-1)
					for i := range testLayers {
						keys, values, err := fullCache.Window(i)
						require.NoError(t, err)
						assert.Equal(t, []int{1, testKVHeads, tail, testHeadDim}, keys.Shape())
						assert.Equal(t, []int{1, testKVHeads, tail, testHeadDim}, values.Shape())
					}
				})
			})
		}
	}
}

func TestForwardChunkSize(t *testing.T) {
	t.Setenv("LIGER_CHUNK_SIZE", "3")

	for _, arch := range []string{"liger_gsa", "liger_qwen3_gla"} {
		t.Run(arch, func(t *testing.T) {
			ctx := ml.NewContext()
			m := testModel(t, arch)
			require.Equal(t, 3, m.chunkSize)

			full := forward(t, ctx, m, prompt, kvcache.Variant{})

			// token by token takes the fused path at every step
			cache := kvcache.NewRecurrent()
			for i, id := range prompt {
				out := forward(t, ctx, m, []int32{id}, kvcache.Structured(cache))
				assertClose(t, full.Logits.Slice(ctx, 1, i, i+1), out.Logits, 1e-4, "token %d", i)
			}

			// training forces the chunked path even for one token
			train := ml.NewContext(ml.WithTraining(true))
			cache = kvcache.NewRecurrent()
			forward(t, train, m, prompt[:8], kvcache.Structured(cache))
			out := forward(t, train, m, prompt[8:], kvcache.Structured(cache))
			assertClose(t, full.Logits.Slice(ctx, 1, 8, 9), out.Logits, 1e-4)
		})
	}
}

func TestForwardBatch(t *testing.T) {
	ctx := ml.NewContext()
	m := testModel(t, "liger_qwen2_gla")

	a := forward(t, ctx, m, prompt[:6], kvcache.Variant{})
	b := forward(t, ctx, m, prompt[3:], kvcache.Variant{})

	out, err := model.Forward(ctx, m, input.Batch{Inputs: [][]int32{prompt[:6], prompt[3:]}}, kvcache.Variant{})
	require.NoError(t, err)
	require.Equal(t, []int{2, 6, testVocab}, out.Logits.Shape())

	assertClose(t, a.Logits, out.Logits.Slice(ctx, 0, 0, 1), 1e-5)
	assertClose(t, b.Logits, out.Logits.Slice(ctx, 0, 1, 2), 1e-5)
}

func TestForwardLeftPadding(t *testing.T) {
	ctx := ml.NewContext()
	m := testModel(t, "liger_gsa")

	unpadded := forward(t, ctx, m, prompt[:3], kvcache.Variant{})

	mask, err := input.MaskFromLengths([]int{3, 5}, 5)
	require.NoError(t, err)

	batch := input.Batch{
		Inputs: [][]int32{
			{0, 0, prompt[0], prompt[1], prompt[2]},
			{8, 7, prompt[0], prompt[1], prompt[2]},
		},
		Mask: mask,
	}
	out, err := model.Forward(ctx, m, batch, kvcache.Variant{})
	require.NoError(t, err)

	// padding neither writes slots nor is attended to
	padded := out.Logits.Slice(ctx, 0, 0, 1).Slice(ctx, 1, 2, 5)
	assertClose(t, unpadded.Logits, padded, 1e-4)

	// changing the padding tokens changes nothing
	batch.Inputs[0][0], batch.Inputs[0][1] = 30, 31
	again, err := model.Forward(ctx, m, batch, kvcache.Variant{})
	require.NoError(t, err)
	assertClose(t, padded, again.Logits.Slice(ctx, 0, 0, 1).Slice(ctx, 1, 2, 5), 1e-5)
}

func TestForwardHiddenStates(t *testing.T) {
	ctx := ml.NewContext()
	m := testModel(t, "liger_qwen3_gla")

	out, err := model.Forward(ctx, m, input.Batch{Inputs: [][]int32{prompt}, HiddenStates: true}, kvcache.Variant{})
	require.NoError(t, err)
	require.Len(t, out.HiddenStates, testLayers+1)
	assert.Same(t, out.Hidden, out.HiddenStates[testLayers])

	embeddings := m.TokenEmbedding.Forward(ctx, [][]int32{prompt})
	assertClose(t, embeddings, out.HiddenStates[0], 0)

	out = forward(t, ctx, m, prompt, kvcache.Variant{})
	assert.Nil(t, out.HiddenStates)
}

func TestForwardLegacyCache(t *testing.T) {
	ctx := ml.NewContext()

	t.Run("accepted", func(t *testing.T) {
		m := testModel(t, "liger_gsa")
		full := forward(t, ctx, m, prompt, kvcache.Variant{})

		prefix := forward(t, ctx, m, prompt[:8], kvcache.Legacy(nil, 0))
		require.Equal(t, kvcache.SchemaLegacy, prefix.Cache.Schema)
		require.Len(t, prefix.Cache.Legacy, testLayers)
		assert.Equal(t, 8, prefix.Cache.Offset)
		for _, l := range prefix.Cache.Legacy {
			assert.Len(t, l.State, 2, "key and value slot states")
			assert.Equal(t, 3, l.Keys.Dim(2))
		}

		next := forward(t, ctx, m, prompt[8:], prefix.Cache)
		assert.Equal(t, kvcache.SchemaLegacy, next.Cache.Schema)
		assertClose(t, full.Logits.Slice(ctx, 1, 8, 9), next.Logits, 1e-4)
	})

	for _, arch := range architectures[1:] {
		t.Run(arch+" rejects", func(t *testing.T) {
			m := testModel(t, arch)
			_, err := model.Forward(ctx, m, input.Batch{Inputs: [][]int32{prompt}}, kvcache.Legacy(nil, 0))
			assert.ErrorIs(t, err, kvcache.ErrCacheType)
		})
	}
}

func TestForwardDiagnostics(t *testing.T) {
	t.Run("upcast", func(t *testing.T) {
		kv := testConfig("liger_gsa")
		m := load(t, kv, testWeights(t, kv, func(name string) ml.DType {
			if strings.HasSuffix(name, "_proj.weight") {
				return ml.DTypeBF16
			}
			return ml.DTypeF32
		}))

		var r recorder
		out := forward(t, ml.NewContext(ml.WithSink(&r)), m, prompt, kvcache.Variant{})
		assert.Contains(t, r.kinds(), ml.DiagnosticUpcast)
		assert.Equal(t, []int{1, len(prompt), testVocab}, out.Logits.Shape())
	})

	t.Run("matching dtypes", func(t *testing.T) {
		kv := testConfig("liger_gsa")
		m := load(t, kv, testWeights(t, kv, func(string) ml.DType { return ml.DTypeBF16 }))

		var r recorder
		out := forward(t, ml.NewContext(ml.WithSink(&r)), m, prompt, kvcache.Variant{})
		assert.Empty(t, r.kinds())
		assert.Equal(t, ml.DTypeBF16, out.Logits.DType())
	})

	t.Run("sliding window", func(t *testing.T) {
		kv := testConfig("liger_qwen2_gla")
		kv["use_sliding_window"] = true
		kv["sliding_window"] = 4096
		m := load(t, kv, testWeights(t, kv, nil))

		var r recorder
		forward(t, ml.NewContext(ml.WithSink(&r)), m, prompt, kvcache.Variant{})
		assert.Equal(t, []ml.DiagnosticKind{ml.DiagnosticSlidingWindow}, r.kinds())
	})

	t.Run("layer index", func(t *testing.T) {
		m := testModel(t, "liger_qwen2_gla")
		m.Layers[0].Operator.(*Attention).Layer = -1

		var r recorder
		_, err := model.Forward(ml.NewContext(ml.WithSink(&r)), m, input.Batch{Inputs: [][]int32{prompt}}, kvcache.Variant{})
		assert.ErrorIs(t, err, kvcache.ErrLayerIndex)
		assert.Equal(t, []ml.DiagnosticKind{ml.DiagnosticLayerIndex}, r.kinds())
	})

	t.Run("position embeddings", func(t *testing.T) {
		m := testModel(t, "liger_qwen3_gla")
		ctx := ml.NewContext()

		// without a shared table the layer builds its own from the positions
		positions := [][]int32{{0, 1, 2, 3}}
		hidden := m.TokenEmbedding.Forward(ctx, [][]int32{prompt[:4]})
		emb := ropeTable(m, positions)

		want, err := m.Layers[0].Forward(ctx, hidden, nil, &emb, positions, kvcache.NewRecurrent(), m.Options)
		require.NoError(t, err)

		var r recorder
		got, err := m.Layers[0].Forward(ml.NewContext(ml.WithSink(&r)), hidden, nil, nil, positions, kvcache.NewRecurrent(), m.Options)
		require.NoError(t, err)
		assert.Equal(t, []ml.DiagnosticKind{ml.DiagnosticPositionEmbeddings}, r.kinds())
		assertClose(t, want, got, 0)
	})
}

func TestLoad(t *testing.T) {
	t.Run("tied embeddings", func(t *testing.T) {
		kv := testConfig("liger_qwen2_gla")
		tensors := testWeights(t, kv, nil)
		delete(tensors, "lm_head.weight")

		m := load(t, kv, tensors)
		assert.Same(t, m.TokenEmbedding.Weight, m.Output.Weight)
	})

	t.Run("layers", func(t *testing.T) {
		m := testModel(t, "liger_qwen3_moe_gla")
		require.Len(t, m.Layers, testLayers)
		assert.IsType(t, &dense{}, m.Layers[0].MLP)
		require.IsType(t, &sparse{}, m.Layers[1].MLP)
		assert.Len(t, m.Layers[1].MLP.(*sparse).Experts, testExperts)
		assert.False(t, m.LegacyCache)

		for i, l := range m.Layers {
			sa := l.Operator.(*Attention)
			assert.Equal(t, i, sa.Layer)
			assert.IsType(t, &gla{}, sa.Mixer)
			assert.NotNil(t, sa.QueryNorm)
		}

		m = testModel(t, "liger_gsa")
		assert.True(t, m.LegacyCache)
		assert.IsType(t, &gsa{}, m.Layers[0].Operator.(*Attention).Mixer)
	})

	cases := []struct {
		arch   string
		edit   func(map[string]*ml.Tensor)
		errStr string
	}{
		{
			arch:   "liger_qwen2_gla",
			edit:   func(ts map[string]*ml.Tensor) { delete(ts, "model.layers.1.mlp.up_proj.weight") },
			errStr: "missing tensor model.layers.1.mlp.up_proj.weight",
		},
		{
			arch:   "liger_gsa",
			edit:   func(ts map[string]*ml.Tensor) { delete(ts, "model.norm.weight") },
			errStr: "missing tensor model.norm.weight",
		},
		{
			arch:   "liger_qwen3_gla",
			edit:   func(ts map[string]*ml.Tensor) { delete(ts, "model.layers.0.self_attn.k_norm.weight") },
			errStr: "missing tensor model.layers.0.self_attn.k_norm.weight",
		},
		{
			arch:   "liger_qwen3_moe_gla",
			edit:   func(ts map[string]*ml.Tensor) { ts["model.layers.1.mlp.gate.weight"] = ml.Zeros(ml.DTypeF32, 3, testHidden) },
			errStr: "router has 3 outputs for 4 experts",
		},
		{
			arch:   "liger_qwen3_moe_gla",
			edit:   func(ts map[string]*ml.Tensor) { delete(ts, "model.layers.1.mlp.experts.2.down_proj.weight") },
			errStr: "missing tensor model.layers.1.mlp.experts.2.down_proj.weight",
		},
	}

	for _, tt := range cases {
		t.Run(tt.errStr, func(t *testing.T) {
			kv := testConfig(tt.arch)
			tensors := testWeights(t, kv, nil)
			tt.edit(tensors)

			_, err := model.Load(hf.NewCheckpoint(kv, tensors))
			assert.ErrorContains(t, err, tt.errStr)
		})
	}

	t.Run("invalid config", func(t *testing.T) {
		kv := testConfig("liger_qwen2_gla")
		tensors := testWeights(t, kv, nil)
		kv["num_key_value_heads"] = 3

		_, err := model.Load(hf.NewCheckpoint(kv, tensors))
		assert.ErrorIs(t, err, ErrConfig)
	})
}

func TestForwardShapeErrors(t *testing.T) {
	ctx := ml.NewContext()
	m := testModel(t, "liger_qwen2_gla")

	_, err := model.Forward(ctx, m, input.Batch{Inputs: [][]int32{{testVocab}}}, kvcache.Variant{})
	assert.ErrorIs(t, err, ml.ErrShape, "token out of vocabulary")

	cache := kvcache.NewRecurrent()
	forward(t, ctx, m, prompt[:4], kvcache.Structured(cache))
	_, err = model.Forward(ctx, m, input.Batch{Inputs: [][]int32{{1}, {2}}}, kvcache.Structured(cache))
	assert.ErrorIs(t, err, ml.ErrShape, "batch size changed against the cached state")
}
