// Package tracing provides a lightweight internal span tracer, used by the
// Operator to correlate each lifecycle phase's component commands and log
// lines without pulling in a full OpenTelemetry SDK.
package tracing

import (
	randcrypto "crypto/rand"
	"context"
	"encoding/hex"
	"sync"
	"time"
)

// Span is a single unit of traced work within a component pipeline stage.
type Span interface {
	End()
	SetAttribute(key string, value any)
	Context() SpanContext
	IsEnded() bool
}

// SpanContext identifies a span and its place in a trace; a span started
// from a context without one begins a new trace.
type SpanContext struct {
	TraceID, SpanID, ParentSpanID string
	Start, End                    time.Time
}

// Tracer starts spans. Noop reports whether spans are discarded rather than
// recorded.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	Noop() bool
}

type noopTracer struct{}
type noopSpan struct{}

func (noopTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (noopTracer) Noop() bool                             { return true }
func (noopSpan) End()                                     {}
func (noopSpan) SetAttribute(key string, value any)       {}
func (noopSpan) Context() SpanContext                     { return SpanContext{} }
func (noopSpan) IsEnded() bool                            { return true }

type simpleTracer struct{ enabled bool }

type simpleSpan struct {
	ctx   SpanContext
	mu    sync.Mutex
	ended bool
	attrs map[string]any
}

// NewTracer returns a tracer that records every span, or a no-op tracer when
// enabled is false. Run-level tracing is controlled by RunConfig.TracingEnabled.
func NewTracer(enabled bool) Tracer {
	if !enabled {
		return noopTracer{}
	}
	return simpleTracer{enabled: true}
}

func (t simpleTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	parent := SpanFromContext(ctx)
	traceID := parent.ctx.TraceID
	if traceID == "" {
		traceID = newID(16)
	}
	sp := &simpleSpan{
		ctx: SpanContext{
			TraceID:       traceID,
			SpanID:        newID(8),
			ParentSpanID:  parent.ctx.SpanID,
			Start:         time.Now(),
		},
		attrs: make(map[string]any),
	}
	ctx = context.WithValue(ctx, spanKey{}, sp)
	return ctx, sp
}

func (t simpleTracer) Noop() bool { return !t.enabled }

func (s *simpleSpan) End() {
	s.mu.Lock()
	if !s.ended {
		s.ctx.End = time.Now()
		s.ended = true
	}
	s.mu.Unlock()
}

func (s *simpleSpan) SetAttribute(key string, value any) {
	s.mu.Lock()
	if s.attrs != nil {
		s.attrs[key] = value
	}
	s.mu.Unlock()
}

func (s *simpleSpan) Context() SpanContext { return s.ctx }

func (s *simpleSpan) IsEnded() bool {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	return ended
}

type spanKey struct{}

// SpanFromContext returns the active span, or a zero-value span if none.
func SpanFromContext(ctx context.Context) *simpleSpan {
	if ctx == nil {
		return &simpleSpan{}
	}
	if sp, ok := ctx.Value(spanKey{}).(*simpleSpan); ok {
		return sp
	}
	return &simpleSpan{}
}

// ExtractIDs returns the trace/span IDs active on ctx, or empty strings if
// tracing is disabled or no span has been started.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sp := SpanFromContext(ctx)
	return sp.ctx.TraceID, sp.ctx.SpanID
}

func newID(n int) string {
	b := make([]byte, n)
	_, _ = randcrypto.Read(b)
	return hex.EncodeToString(b)
}
