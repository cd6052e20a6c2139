package observability

import (
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanRecord is the OTLP-shaped form of one completed span.
type SpanRecord struct {
	TraceID      string            `json:"traceId"`
	SpanID       string            `json:"spanId"`
	ParentSpanID string            `json:"parentSpanId,omitempty"`
	Name         string            `json:"name"`
	Kind         string            `json:"kind"`
	StartTime    time.Time         `json:"startTime"`
	EndTime      time.Time         `json:"endTime"`
	Attributes   map[string]any    `json:"attributes,omitempty"`
	Events       []SpanEventRecord `json:"events,omitempty"`
	Status       SpanStatusRecord  `json:"status"`
}

// SpanEventRecord is one timestamped event within a span.
type SpanEventRecord struct {
	Name       string         `json:"name"`
	Time       time.Time      `json:"time"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// SpanStatusRecord mirrors the OTLP status shape.
type SpanStatusRecord struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func toRecord(s sdktrace.ReadOnlySpan) SpanRecord {
	sc := s.SpanContext()
	rec := SpanRecord{
		TraceID:   sc.TraceID().String(),
		SpanID:    sc.SpanID().String(),
		Name:      s.Name(),
		Kind:      string(SpanClassAgent),
		StartTime: s.StartTime(),
		EndTime:   s.EndTime(),
		Status:    SpanStatusRecord{Code: statusCode(s.Status().Code), Message: s.Status().Description},
	}
	if s.Parent().HasSpanID() {
		rec.ParentSpanID = s.Parent().SpanID().String()
	}

	attrs := make(map[string]any, len(s.Attributes()))
	for _, kv := range s.Attributes() {
		if string(kv.Key) == AttrSpanClass {
			rec.Kind = kv.Value.AsString()
			continue
		}
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	if len(attrs) > 0 {
		rec.Attributes = attrs
	}

	for _, ev := range s.Events() {
		evAttrs := make(map[string]any, len(ev.Attributes))
		for _, kv := range ev.Attributes {
			evAttrs[string(kv.Key)] = kv.Value.AsInterface()
		}
		if len(evAttrs) == 0 {
			evAttrs = nil
		}
		rec.Events = append(rec.Events, SpanEventRecord{Name: ev.Name, Time: ev.Time, Attributes: evAttrs})
	}
	return rec
}

func statusCode(c codes.Code) string {
	switch c {
	case codes.Error:
		return "error"
	default:
		return "ok"
	}
}

// ExportOTLP serializes the retained spans as OTLP-shaped JSON.
func (t *Tracer) ExportOTLP() ([]byte, error) {
	return json.MarshalIndent(struct {
		Spans []SpanRecord `json:"spans"`
	}{Spans: t.Completed()}, "", "  ")
}
