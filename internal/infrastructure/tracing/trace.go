package tracing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/enclave/internal/shared/id"
)

// TraceID identifies a request end to end.
type TraceID string

// SpanID identifies one operation within a trace.
type SpanID string

// Span is one timed operation. A nil *Span ignores every call, so callers
// holding a disabled tracer need no checks.
type Span struct {
	TraceID  TraceID
	SpanID   SpanID
	ParentID SpanID
	Name     string
	Start    time.Time
	Duration time.Duration
	Err      error

	fields []zap.Field
	tracer *Tracer
}

// Tracer logs finished spans from a single collector goroutine.
type Tracer struct {
	service string
	logger  *zap.Logger
	spans   chan *Span

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a tracer and starts its collector.
func New(service string, logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracer{
		service: service,
		logger:  logger.Named("trace"),
		spans:   make(chan *Span, 1024),
		done:    make(chan struct{}),
	}
	go t.collect()
	return t
}

// StartSpan opens a span, continuing the trace in ctx when there is one.
func (t *Tracer) StartSpan(ctx context.Context, name string) (*Span, context.Context) {
	if t == nil {
		return nil, ctx
	}
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = TraceID(id.NewRequestID())
	}
	span := &Span{
		TraceID:  traceID,
		SpanID:   SpanID(id.Default().GenerateString()),
		ParentID: GetSpanID(ctx),
		Name:     name,
		Start:    time.Now(),
		tracer:   t,
	}
	ctx = context.WithValue(ctx, traceIDKey, traceID)
	ctx = context.WithValue(ctx, spanIDKey, span.SpanID)
	return span, ctx
}

// SetTag attaches a string attribute.
func (s *Span) SetTag(key, value string) {
	if s != nil {
		s.fields = append(s.fields, zap.String(key, value))
	}
}

// SetInt attaches a numeric attribute, e.g. an HTTP status or a callback count.
func (s *Span) SetInt(key string, value int64) {
	if s != nil {
		s.fields = append(s.fields, zap.Int64(key, value))
	}
}

// End records err, stamps the duration and hands the span to the collector.
// A span must not be used after End.
func (s *Span) End(err error) {
	if s == nil {
		return
	}
	s.Duration = time.Since(s.Start)
	s.Err = err
	s.tracer.submit(s)
}

func (t *Tracer) collect() {
	defer close(t.done)
	for span := range t.spans {
		t.log(span)
	}
}

func (t *Tracer) log(span *Span) {
	fields := make([]zap.Field, 0, len(span.fields)+6)
	fields = append(fields,
		zap.String("service", t.service),
		zap.String("trace_id", string(span.TraceID)),
		zap.String("span_id", string(span.SpanID)),
		zap.String("operation", span.Name),
		zap.Duration("duration", span.Duration),
	)
	if span.ParentID != "" {
		fields = append(fields, zap.String("parent_id", string(span.ParentID)))
	}
	fields = append(fields, span.fields...)

	if span.Err != nil {
		t.logger.Warn("span failed", append(fields, zap.Error(span.Err))...)
		return
	}
	t.logger.Debug("span finished", fields...)
}

// submit never blocks: spans are dropped when the buffer is full or the
// tracer is closed.
func (t *Tracer) submit(span *Span) {
	select {
	case <-t.done:
		return
	default:
	}
	defer func() { _ = recover() }() // send on a channel closed by a racing Close
	select {
	case t.spans <- span:
	default:
		t.logger.Warn("span buffer full, dropping span",
			zap.String("trace_id", string(span.TraceID)),
			zap.String("operation", span.Name))
	}
}

// Close stops the collector after logging buffered spans.
func (t *Tracer) Close() {
	t.closeOnce.Do(func() { close(t.spans) })
	<-t.done
}

type contextKey int

const (
	traceIDKey contextKey = iota
	spanIDKey
)

// GetTraceID returns the trace ID carried by ctx, or "".
func GetTraceID(ctx context.Context) TraceID {
	traceID, _ := ctx.Value(traceIDKey).(TraceID)
	return traceID
}

// GetSpanID returns the innermost span ID carried by ctx, or "".
func GetSpanID(ctx context.Context) SpanID {
	spanID, _ := ctx.Value(spanIDKey).(SpanID)
	return spanID
}

// WithTraceID returns ctx carrying traceID.
func WithTraceID(ctx context.Context, traceID TraceID) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}
