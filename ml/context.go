package ml

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Context carries the execution policy of a forward pass: how far kernels
// may fan out, whether the pass is a training pass, and where numeric
// diagnostics go.
type Context interface {
	Workers() int
	Training() bool

	// Emit records a diagnostic. The core never logs warnings itself.
	Emit(Diagnostic)
}

type DiagnosticKind string

const (
	// DiagnosticUpcast reports inputs that arrived wider than the weights they meet.
	DiagnosticUpcast DiagnosticKind = "upcast"
	// DiagnosticPositionEmbeddings reports a layer computing its own rotary table.
	DiagnosticPositionEmbeddings DiagnosticKind = "position_embeddings"
	// DiagnosticLayerIndex reports an attention layer built without a layer index.
	DiagnosticLayerIndex DiagnosticKind = "layer_index"
	// DiagnosticSlidingWindow reports a window that does not cover the configured context.
	DiagnosticSlidingWindow DiagnosticKind = "sliding_window"
)

type Diagnostic struct {
	Kind    DiagnosticKind
	Message string
	Attrs   []any
}

type DiagnosticSink interface {
	Emit(Diagnostic)
}

type DiagnosticSinkFunc func(Diagnostic)

func (f DiagnosticSinkFunc) Emit(d Diagnostic) { f(d) }

type cpuContext struct {
	workers  int
	training bool
	sink     DiagnosticSink
}

// ContextOption configures a context created by NewContext.
type ContextOption func(*cpuContext)

func WithWorkers(n int) ContextOption {
	return func(c *cpuContext) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithTraining(training bool) ContextOption {
	return func(c *cpuContext) {
		c.training = training
	}
}

func WithSink(sink DiagnosticSink) ContextOption {
	return func(c *cpuContext) {
		c.sink = sink
	}
}

// NewContext returns an eager CPU execution context. Without options it uses
// one worker per CPU and discards diagnostics.
func NewContext(options ...ContextOption) Context {
	c := cpuContext{workers: runtime.GOMAXPROCS(0)}
	for _, o := range options {
		o(&c)
	}
	return &c
}

func (c *cpuContext) Workers() int   { return c.workers }
func (c *cpuContext) Training() bool { return c.training }

func (c *cpuContext) Emit(d Diagnostic) {
	if c.sink != nil {
		c.sink.Emit(d)
	}
}

// Parallel runs fn for every i in [0, n) on at most ctx.Workers() goroutines
// and returns the first error. It returns only after every call has finished.
func Parallel(ctx Context, n int, fn func(i int) error) error {
	workers := 1
	if ctx != nil {
		workers = ctx.Workers()
	}

	if workers <= 1 || n <= 1 {
		for i := range n {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i := range n {
		g.Go(func() error {
			return fn(i)
		})
	}
	return g.Wait()
}
