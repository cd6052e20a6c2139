package observability

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// DefaultBuckets are the histogram bucket bounds in milliseconds.
var DefaultBuckets = []float64{5, 10, 25, 50, 75, 100, 250, 500, 750, 1000, 2500, 5000, 7500, 10000}

// Metrics is the core's metric surface. Names follow the GenAI
// semantic conventions with dots folded to underscores for Prometheus.
type Metrics struct {
	registry *prometheus.Registry

	tokenUsage        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	timeToFirstToken  *prometheus.HistogramVec
	toolInvocations   *prometheus.CounterVec
	errorCount        *prometheus.CounterVec
	activeSessions    prometheus.Gauge
}

// NewMetrics builds the metric set in a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		tokenUsage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gen_ai_client_token_usage",
			Help: "Tokens consumed by model calls.",
		}, []string{"operation", "model", "token_type"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gen_ai_client_operation_duration",
			Help:    "Model operation duration in milliseconds.",
			Buckets: DefaultBuckets,
		}, []string{"operation", "model"}),
		timeToFirstToken: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gen_ai_server_time_to_first_token",
			Help:    "Time to first streamed token in milliseconds.",
			Buckets: DefaultBuckets,
		}, []string{"model"}),
		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_tool_invocations",
			Help: "Tool invocations by tool name.",
		}, []string{"tool"}),
		errorCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_error_count",
			Help: "Errors surfaced by the supervisor, by kind.",
		}, []string{"kind"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_active_sessions",
			Help: "Sessions currently executing.",
		}),
	}

	reg.MustRegister(m.tokenUsage, m.operationDuration, m.timeToFirstToken,
		m.toolInvocations, m.errorCount, m.activeSessions)
	return m
}

// RecordTokens adds token usage for one model operation.
func (m *Metrics) RecordTokens(operation, model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		m.tokenUsage.WithLabelValues(operation, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.tokenUsage.WithLabelValues(operation, model, "output").Add(float64(outputTokens))
	}
}

// RecordOperation observes one model operation's duration.
func (m *Metrics) RecordOperation(operation, model string, elapsed time.Duration) {
	m.operationDuration.WithLabelValues(operation, model).Observe(float64(elapsed.Milliseconds()))
}

// RecordFirstToken observes streaming time-to-first-token.
func (m *Metrics) RecordFirstToken(model string, elapsed time.Duration) {
	m.timeToFirstToken.WithLabelValues(model).Observe(float64(elapsed.Milliseconds()))
}

// RecordToolInvocation counts one tool dispatch.
func (m *Metrics) RecordToolInvocation(tool string) {
	m.toolInvocations.WithLabelValues(tool).Inc()
}

// RecordError counts one surfaced error by kind.
func (m *Metrics) RecordError(kind string) {
	m.errorCount.WithLabelValues(kind).Inc()
}

// SessionStarted increments the active-session gauge.
func (m *Metrics) SessionStarted() { m.activeSessions.Inc() }

// SessionFinished decrements the active-session gauge.
func (m *Metrics) SessionFinished() { m.activeSessions.Dec() }

// Registry exposes the private registry for the debug HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Export renders the registry in Prometheus text exposition format.
func (m *Metrics) Export() (string, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("failed to gather metrics: %w", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", fmt.Errorf("failed to encode metric family: %w", err)
		}
	}
	return buf.String(), nil
}

// EstimateQuantile gives a bucket-interpolated quantile for a
// histogram metric, accurate enough for operational monitoring.
func (m *Metrics) EstimateQuantile(name string, labels map[string]string, q float64) (float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return 0, err
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metricLoop:
		for _, metric := range mf.GetMetric() {
			for k, v := range labels {
				found := false
				for _, lp := range metric.GetLabel() {
					if lp.GetName() == k && lp.GetValue() == v {
						found = true
						break
					}
				}
				if !found {
					continue metricLoop
				}
			}
			h := metric.GetHistogram()
			if h == nil {
				return 0, fmt.Errorf("metric %s is not a histogram", name)
			}
			return quantileFromBuckets(h.GetBucket(), h.GetSampleCount(), q), nil
		}
	}
	return 0, fmt.Errorf("histogram %s not found", name)
}

type bucketPoint struct {
	upper float64
	count uint64
}

func quantileFromBuckets(buckets []*dto.Bucket, total uint64, q float64) float64 {
	if total == 0 || len(buckets) == 0 {
		return 0
	}
	points := make([]bucketPoint, 0, len(buckets))
	for _, b := range buckets {
		points = append(points, bucketPoint{upper: b.GetUpperBound(), count: b.GetCumulativeCount()})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].upper < points[j].upper })

	rank := q * float64(total)
	lowerBound := 0.0
	prevCount := uint64(0)
	for _, p := range points {
		if float64(p.count) >= rank {
			// Linear interpolation within the bucket.
			span := float64(p.count - prevCount)
			if span == 0 {
				return p.upper
			}
			frac := (rank - float64(prevCount)) / span
			return lowerBound + frac*(p.upper-lowerBound)
		}
		lowerBound = p.upper
		prevCount = p.count
	}
	return points[len(points)-1].upper
}
