package sample

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"gonum.org/v1/gonum/floats"
)

type Transform interface {
	Apply([]float64) []float64
}

func softmax(logits []float64) []float64 {
	m := slices.Max(logits)
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = math.Exp(v - m)
	}
	floats.Scale(1/floats.Sum(probs), probs)
	return probs
}

type Temperature float64

func (t Temperature) validate() error {
	if t < 0 || t > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %v", float64(t))
	}
	return nil
}

func (t Temperature) Apply(logits []float64) []float64 {
	temp := math.Max(float64(t), 1e-7)

	// subtracting max logit to avoid under/overflow
	maxLogit := slices.Max(logits)
	for i := range logits {
		logits[i] = (logits[i] - maxLogit) / temp
	}

	return logits
}

type logitMap struct {
	index int
	logit float64
}

func logitMapComparator(a, b logitMap) int {
	return -cmp.Compare(a.logit, b.logit)
}

type TopK int

func (k TopK) Apply(logits []float64) []float64 {
	if k <= 0 || int(k) >= len(logits) {
		return logits
	}

	q := pq.NewWith(logitMapComparator)
	for i, logit := range logits {
		q.Enqueue(logitMap{index: i, logit: logit})
	}

	keep := make([]bool, len(logits))
	for range k {
		m, _ := q.Dequeue()
		keep[m.index] = true
	}

	for i := range logits {
		if !keep[i] {
			logits[i] = math.Inf(-1)
		}
	}

	return logits
}

type TopP float64

func (p TopP) validate() error {
	if p <= 0 || p >= 1 {
		return fmt.Errorf("top_p must be between 0 and 1, got %v", float64(p))
	}
	return nil
}

func (p TopP) Apply(logits []float64) []float64 {
	probs := softmax(logits)
	indices := make([]int, len(probs))
	for i := range indices {
		indices[i] = i
	}

	// sort in descending order
	slices.SortStableFunc(indices, func(i, j int) int {
		return cmp.Compare(probs[j], probs[i])
	})

	var cumSum float64
	for i, idx := range indices {
		cumSum += probs[idx]
		if cumSum > float64(p) {
			for _, idx := range indices[i+1:] {
				logits[idx] = math.Inf(-1)
			}
			break
		}
	}
	return logits
}

type MinP float64

func (p MinP) validate() error {
	if p <= 0 || p >= 1 {
		return fmt.Errorf("min_p must be between 0 and 1, got %v", float64(p))
	}
	return nil
}

func (p MinP) Apply(logits []float64) []float64 {
	probs := softmax(logits)
	threshold := slices.Max(probs) * float64(p)

	for i, prob := range probs {
		if prob < threshold {
			logits[i] = math.Inf(-1)
		}
	}

	return logits
}
