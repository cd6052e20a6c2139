// Package observability implements the trace and metrics pipeline:
// an OpenTelemetry tracer with head sampling plus tail retention of
// error spans, an in-memory completed-span collector with OTLP-shaped
// JSON export, and Prometheus metrics following the GenAI semantic
// conventions.
package observability

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerConfig controls sampling and retention.
type TracerConfig struct {
	ServiceName string
	// HeadSampleRate keeps this fraction of traces, decided by trace
	// ID. 1.0 keeps everything.
	HeadSampleRate float64
	// TailSampleErrors keeps error spans even when head sampling
	// dropped their trace.
	TailSampleErrors bool
	// MaxCompletedSpans bounds the in-memory completed list; the
	// oldest spans are evicted first.
	MaxCompletedSpans int
}

// Tracer owns the SDK tracer provider and the completed-span
// collector. The active span lives in context.Context, giving each
// goroutine its own slot with parent propagation for free.
type Tracer struct {
	provider  *sdktrace.TracerProvider
	tracer    trace.Tracer
	collector *collector
}

// NewTracer builds the tracing pipeline. Spans record at SDK level
// unconditionally; the sampling decision is applied at collection so
// tail retention can see error spans head sampling would drop.
func NewTracer(cfg TracerConfig) (*Tracer, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.MaxCompletedSpans <= 0 {
		cfg.MaxCompletedSpans = 4096
	}
	if cfg.HeadSampleRate < 0 || cfg.HeadSampleRate > 1 {
		return nil, fmt.Errorf("head sample rate %v outside [0, 1]", cfg.HeadSampleRate)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	col := newCollector(cfg.HeadSampleRate, cfg.TailSampleErrors, cfg.MaxCompletedSpans)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(col),
		sdktrace.WithResource(res),
	)

	return &Tracer{
		provider:  tp,
		tracer:    tp.Tracer(cfg.ServiceName),
		collector: col,
	}, nil
}

// Start opens a span of the given class. Attributes may be mutated on
// the returned span only until End is called.
func (t *Tracer) Start(ctx context.Context, class SpanClass, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, name)
	span.SetAttributes(attribute.String(AttrSpanClass, string(class)))
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// Completed returns a copy of the retained completed spans, oldest
// first.
func (t *Tracer) Completed() []SpanRecord {
	return t.collector.completed()
}

// Dropped returns how many spans sampling discarded, for observability
// of the observer.
func (t *Tracer) Dropped() int64 {
	return t.collector.dropped.Load()
}

// Reset discards retained spans. Test helper.
func (t *Tracer) Reset() {
	t.collector.reset()
}

// Shutdown flushes and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// collector is a SpanProcessor applying the sampling decision at span
// end and retaining survivors in a bounded list.
type collector struct {
	headBound  uint64
	keepErrors bool
	max        int

	mu      sync.Mutex
	spans   []SpanRecord
	dropped atomic.Int64
}

func newCollector(headRate float64, keepErrors bool, max int) *collector {
	// Same trace-ID keep decision as the SDK's TraceIDRatioBased
	// sampler: compare the upper 63 bits of the low trace ID half
	// against rate * 2^63.
	return &collector{
		headBound:  uint64(headRate * (1 << 63)),
		keepErrors: keepErrors,
		max:        max,
	}
}

func (c *collector) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {}

func (c *collector) OnEnd(s sdktrace.ReadOnlySpan) {
	if !c.keep(s) {
		c.dropped.Add(1)
		return
	}
	rec := toRecord(s)
	c.mu.Lock()
	c.spans = append(c.spans, rec)
	if len(c.spans) > c.max {
		c.spans = c.spans[len(c.spans)-c.max:]
	}
	c.mu.Unlock()
}

func (c *collector) keep(s sdktrace.ReadOnlySpan) bool {
	if c.headKeep(s.SpanContext().TraceID()) {
		return true
	}
	return c.keepErrors && s.Status().Code == codes.Error
}

func (c *collector) headKeep(tid trace.TraceID) bool {
	x := binary.BigEndian.Uint64(tid[8:16]) >> 1
	return x < c.headBound
}

func (c *collector) Shutdown(ctx context.Context) error   { return nil }
func (c *collector) ForceFlush(ctx context.Context) error { return nil }

func (c *collector) completed() []SpanRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SpanRecord, len(c.spans))
	copy(out, c.spans)
	return out
}

func (c *collector) reset() {
	c.mu.Lock()
	c.spans = nil
	c.mu.Unlock()
}
