// Package sample picks the next token from a row of logits.
package sample

import (
	"errors"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

type Sampler interface {
	Sample([]float32) (int32, error)
}

// Options are the user facing sampling settings. Zero values disable a
// transform; a zero Temperature selects greedy decoding.
type Options struct {
	Temperature float32
	TopK        int
	TopP        float32
	MinP        float32
	Seed        *uint64
}

// New builds the sampler described by opts.
func New(opts Options) (Sampler, error) {
	if opts.Temperature == 0 {
		return Greedy(), nil
	}

	transforms := []Transform{Temperature(opts.Temperature)}
	if opts.TopK > 0 {
		transforms = append(transforms, TopK(opts.TopK))
	}
	if opts.TopP > 0 && opts.TopP < 1 {
		transforms = append(transforms, TopP(opts.TopP))
	}
	if opts.MinP > 0 && opts.MinP < 1 {
		transforms = append(transforms, MinP(opts.MinP))
	}

	for _, t := range transforms {
		if v, ok := t.(interface{ validate() error }); ok {
			if err := v.validate(); err != nil {
				return nil, err
			}
		}
	}

	return Weighted(opts.Seed, transforms...), nil
}

type weighted struct {
	src        rand.Source
	transforms []Transform
}

// Weighted samples from the softmax of the transformed logits. A nil seed
// draws from the global source.
func Weighted(seed *uint64, transforms ...Transform) Sampler {
	var src rand.Source
	if seed != nil {
		src = rand.NewSource(*seed)
	}
	return weighted{src: src, transforms: transforms}
}

func (s weighted) Sample(logits []float32) (int32, error) {
	logits64 := s.apply(logits)

	logitsCopy := make([]float64, 0, len(logits64))
	indices := make([]int, 0, len(logits64))
	for i, logit := range logits64 {
		if !math.IsInf(logit, -1) {
			logitsCopy = append(logitsCopy, logit)
			indices = append(indices, i)
		}
	}

	if len(logitsCopy) == 0 {
		return -1, errors.New("no valid logits found for weighted sampling")
	}

	probs := softmax(logitsCopy)
	if floats.HasNaN(probs) {
		return -1, errors.New("sample: logits sum to NaN, check model output")
	}

	w := sampleuv.NewWeighted(probs, s.src)
	if idx, ok := w.Take(); ok {
		return int32(indices[idx]), nil
	}
	return -1, errors.New("weighted sampler failed, no valid token found")
}

func (s weighted) apply(logits []float32) []float64 {
	logits64 := make([]float64, len(logits))
	for i, v := range logits {
		logits64[i] = float64(v)
	}

	for _, t := range s.transforms {
		logits64 = t.Apply(logits64)
	}
	return logits64
}

type greedy struct {
	transforms []Transform
}

func Greedy(transforms ...Transform) Sampler {
	return greedy{transforms: transforms}
}

func (s greedy) Sample(logits []float32) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits provided to sample")
	}

	logits64 := weighted{transforms: s.transforms}.apply(logits)
	return int32(floats.MaxIdx(logits64)), nil
}
