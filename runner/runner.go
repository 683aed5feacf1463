// Package runner drives generation over a loaded model. Every session owns
// its recurrent cache; forwards on one session are serialized.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/liger-go/liger/kvcache"
	"github.com/liger-go/liger/logutil"
	"github.com/liger-go/liger/ml"
	"github.com/liger-go/liger/model"
	"github.com/liger-go/liger/model/input"
	"github.com/liger-go/liger/sample"
)

var ErrSessionNotFound = errors.New("runner: session not found")

type Runner struct {
	model   model.Model
	options []ml.ContextOption

	mu       sync.Mutex
	sessions map[string]*Session
}

// New returns a runner for m. options configure the execution context of
// every forward pass.
func New(m model.Model, options ...ml.ContextOption) *Runner {
	return &Runner{
		model:    m,
		options:  options,
		sessions: make(map[string]*Session),
	}
}

// NewSession starts a session with an empty cache.
func (r *Runner) NewSession() *Session {
	s := &Session{
		ID:     uuid.NewString(),
		runner: r,
		cache:  kvcache.NewRecurrent(),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	slog.Debug("new session", "id", s.ID)
	return s
}

func (r *Runner) Session(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Close drops the session and its cache.
func (r *Runner) Close(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(r.sessions, id)
	return nil
}

type Session struct {
	ID string

	runner *Runner

	mu sync.Mutex

	// inputs are the tokens the cache has consumed
	inputs []int32
	cache  *kvcache.Recurrent
}

type Request struct {
	Prompt []int32

	// NumPredict caps the generated tokens. Zero or negative generates
	// until a stop token.
	NumPredict int

	// Stop ends generation after any of these tokens is produced.
	Stop []int32

	// Sampler picks tokens; nil is greedy.
	Sampler sample.Sampler

	// Sink receives numeric diagnostics of the forward passes.
	Sink ml.DiagnosticSink
}

type Response struct {
	Tokens []int32

	// Reused counts prompt tokens served from the session cache.
	Reused int

	DoneReason string
}

const (
	DoneStop   = "stop"
	DoneLength = "length"
)

// Generate feeds the prompt and samples tokens until a stop token, the
// NumPredict limit or cancellation of ctx. fn, if set, sees every token as
// it is sampled; an error from fn stops generation.
func (s *Session) Generate(ctx context.Context, req Request, fn func(int32) error) (*Response, error) {
	if len(req.Prompt) == 0 {
		return nil, errors.New("runner: empty prompt")
	}

	sampler := req.Sampler
	if sampler == nil {
		sampler = sample.Greedy()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prompt := s.load(req.Prompt)
	resp := Response{Reused: len(req.Prompt) - len(prompt)}

	options := s.runner.options
	if req.Sink != nil {
		options = append(slices.Clone(options), ml.WithSink(req.Sink))
	}
	mctx := ml.NewContext(options...)

	for {
		if err := ctx.Err(); err != nil {
			return &resp, err
		}

		logits, err := s.forward(mctx, prompt)
		if err != nil {
			return &resp, err
		}

		token, err := sampler.Sample(logits)
		if err != nil {
			return &resp, err
		}

		resp.Tokens = append(resp.Tokens, token)
		if fn != nil {
			if err := fn(token); err != nil {
				return &resp, err
			}
		}

		if slices.Contains(req.Stop, token) {
			resp.DoneReason = DoneStop
			return &resp, nil
		}

		if req.NumPredict > 0 && len(resp.Tokens) >= req.NumPredict {
			resp.DoneReason = DoneLength
			return &resp, nil
		}

		prompt = []int32{token}
	}
}

// load returns the part of prompt the cache has not consumed. The cache
// is reused only when prompt extends every token it has processed, since
// recurrent state cannot be rewound.
func (s *Session) load(prompt []int32) []int32 {
	numPast := countCommonPrefix(s.inputs, prompt)
	if numPast == len(s.inputs) && numPast < len(prompt) {
		slog.Debug("loading cache", "id", s.ID, "cache", len(s.inputs), "prompt", len(prompt), "used", numPast)
		return prompt[numPast:]
	}

	if len(s.inputs) > 0 {
		slog.Debug("resetting cache", "id", s.ID, "cache", len(s.inputs), "prompt", len(prompt), "common", numPast)
	}
	s.cache.Reset()
	s.inputs = s.inputs[:0]
	return prompt
}

// forward runs inputs through the model and returns the logits of the
// last position.
func (s *Session) forward(ctx ml.Context, inputs []int32) ([]float32, error) {
	out, err := model.Forward(ctx, s.runner.model, input.Batch{Inputs: [][]int32{inputs}}, kvcache.Structured(s.cache))
	if err != nil {
		// start the next prompt from scratch rather than reuse a failed session
		s.cache.Reset()
		s.inputs = s.inputs[:0]
		return nil, err
	}

	s.inputs = append(s.inputs, inputs...)
	logutil.Trace("forward", "id", s.ID, "inputs", len(inputs), "offset", s.cache.Offset(), "logits", ml.Dump(out.Logits))

	vocab := out.Logits.Dim(-1)
	logits := out.Logits.Floats()
	return logits[len(logits)-vocab:], nil
}

func countCommonPrefix(a, b []int32) int {
	var count int
	for i := range a {
		if i >= len(b) || a[i] != b[i] {
			break
		}
		count++
	}
	return count
}
