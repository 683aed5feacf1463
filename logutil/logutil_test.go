package logutil

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/liger-go/liger/ml"
)

func TestOnceSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewOnceSink(NewLogger(&buf, slog.LevelInfo))

	upcast := ml.Diagnostic{Kind: ml.DiagnosticUpcast, Message: "cast back", Attrs: []any{"dtype", "bf16"}}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Emit(upcast)
		}()
	}
	wg.Wait()

	sink.Emit(ml.Diagnostic{Kind: ml.DiagnosticSlidingWindow, Message: "cast back"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if assert.Len(t, lines, 2) {
		assert.Contains(t, lines[0], "level=WARN")
		assert.Contains(t, lines[0], `msg="cast back"`)
		assert.Contains(t, lines[0], "kind=upcast")
		assert.Contains(t, lines[0], "dtype=bf16")
		assert.Contains(t, lines[1], "kind=sliding_window")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace)
	slog.SetDefault(logger)
	t.Cleanup(func() { slog.SetDefault(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))) })

	Trace("tracing", "n", 1)
	assert.Contains(t, buf.String(), "level=TRACE")
	assert.Contains(t, buf.String(), "source=logutil_test.go:")

	buf.Reset()
	slog.SetDefault(NewLogger(&buf, slog.LevelInfo))
	Trace("hidden")
	assert.Empty(t, buf.String())
}
