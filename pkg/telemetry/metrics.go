package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce              sync.Once
	metricsInitErr           error
	upstreamRequestCounter   metric.Int64Counter
	upstreamFailureCounter   metric.Int64Counter
	upstreamRedirectCounter  metric.Int64Counter
	upstreamLatencyHistogram metric.Float64Histogram
	upstreamBytesCounter     metric.Int64Counter
)

// UpstreamMetrics captures the fields recorded for one upstream exchange.
type UpstreamMetrics struct {
	Site     string
	Class    string
	Method   string
	Status   int
	Redirect bool
	Failed   bool
	Bytes    int
	Duration time.Duration
}

// RecordUpstreamMetrics emits counters and a latency histogram for an
// upstream call.
func RecordUpstreamMetrics(ctx context.Context, m UpstreamMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("relay.site", m.Site),
		attribute.String("relay.request_class", m.Class),
		attribute.String("http.request.method", m.Method),
		attribute.Int("http.response.status_code", m.Status),
	)

	upstreamRequestCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		upstreamLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	if m.Failed {
		upstreamFailureCounter.Add(ctx, 1, attrs)
	}
	if m.Redirect {
		upstreamRedirectCounter.Add(ctx, 1, attrs)
	}
	if m.Bytes > 0 {
		upstreamBytesCounter.Add(ctx, int64(m.Bytes), attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("siterelay.upstream")

		upstreamRequestCounter, metricsInitErr = meter.Int64Counter(
			"relay.upstream.requests_total",
			metric.WithDescription("Upstream requests issued by the relay"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		upstreamFailureCounter, metricsInitErr = meter.Int64Counter(
			"relay.upstream.failures_total",
			metric.WithDescription("Upstream requests that failed at the transport level"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		upstreamRedirectCounter, metricsInitErr = meter.Int64Counter(
			"relay.upstream.redirects_total",
			metric.WithDescription("Upstream redirects surfaced to the client"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		upstreamBytesCounter, metricsInitErr = meter.Int64Counter(
			"relay.upstream.response_bytes_total",
			metric.WithDescription("Response body bytes captured from upstream"),
			metric.WithUnit("By"),
		)
		if metricsInitErr != nil {
			return
		}

		upstreamLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"relay.upstream.duration_ms",
			metric.WithDescription("Observed upstream latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordRelayOutcome annotates span with the request outcome without leaking
// session or credential data.
func RecordRelayOutcome(span trace.Span, site, outcome, errorKind string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("relay.site", site),
		attribute.String("relay.outcome", outcome),
	}
	if errorKind != "" {
		attrs = append(attrs, attribute.String("relay.error_kind", errorKind))
	}
	span.SetAttributes(attrs...)
	span.AddEvent("relay.outcome", trace.WithAttributes(attrs...))
}
