// Package observability exposes proxy metrics through the OpenTelemetry
// metric API with a Prometheus exporter.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for the proxy. The zero value is
// a disabled collector whose record methods are no-ops.
type MetricsCollector struct {
	meter metric.Meter

	proxyRequests   metric.Int64Counter
	proxyRejections metric.Int64Counter
	proxyLatency    metric.Float64Histogram
	tokensInput     metric.Int64Counter
	tokensOutput    metric.Int64Counter
	costTotal       metric.Float64Counter
	requestsActive  metric.Int64UpDownCounter
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled bool
}

// NewMetricsCollector creates the collector and registers the exporter
// as the global meter provider.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("claudegate")

	proxyRequests, err := meter.Int64Counter(
		"claudegate.proxy.requests.total",
		metric.WithDescription("Total number of proxied requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy_requests counter: %w", err)
	}

	proxyRejections, err := meter.Int64Counter(
		"claudegate.proxy.rejections.total",
		metric.WithDescription("Requests rejected by the limit engine"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy_rejections counter: %w", err)
	}

	proxyLatency, err := meter.Float64Histogram(
		"claudegate.proxy.latency",
		metric.WithDescription("End-to-end request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy_latency histogram: %w", err)
	}

	tokensInput, err := meter.Int64Counter(
		"claudegate.tokens.input",
		metric.WithDescription("Total input tokens forwarded upstream"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens_input counter: %w", err)
	}

	tokensOutput, err := meter.Int64Counter(
		"claudegate.tokens.output",
		metric.WithDescription("Total output tokens returned by upstream"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens_output counter: %w", err)
	}

	costTotal, err := meter.Float64Counter(
		"claudegate.cost.total",
		metric.WithDescription("Total metered cost of proxied requests"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cost counter: %w", err)
	}

	requestsActive, err := meter.Int64UpDownCounter(
		"claudegate.proxy.requests.active",
		metric.WithDescription("Requests currently in flight"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests_active gauge: %w", err)
	}

	return &MetricsCollector{
		meter:           meter,
		proxyRequests:   proxyRequests,
		proxyRejections: proxyRejections,
		proxyLatency:    proxyLatency,
		tokensInput:     tokensInput,
		tokensOutput:    tokensOutput,
		costTotal:       costTotal,
		requestsActive:  requestsActive,
	}, nil
}

// Handler returns the Prometheus scrape handler.
func (m *MetricsCollector) Handler() http.Handler {
	return promclient.Handler()
}

// RecordProxyRequest records one completed proxied request.
func (m *MetricsCollector) RecordProxyRequest(ctx context.Context, model string, status int, latency time.Duration, inputTokens, outputTokens int64, cost float64) {
	if m.proxyRequests == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
		attribute.Int("status", status),
	}

	m.proxyRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.proxyLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
	m.tokensInput.Add(ctx, inputTokens, metric.WithAttributes(attribute.String("model", model)))
	m.tokensOutput.Add(ctx, outputTokens, metric.WithAttributes(attribute.String("model", model)))
	if cost > 0 {
		m.costTotal.Add(ctx, cost, metric.WithAttributes(attribute.String("model", model)))
	}
}

// RecordRejection records a request refused by a limit dimension.
func (m *MetricsCollector) RecordRejection(ctx context.Context, kind string) {
	if m.proxyRejections == nil {
		return
	}
	m.proxyRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// IncrementActiveRequests marks a request entering the pipeline.
func (m *MetricsCollector) IncrementActiveRequests(ctx context.Context) {
	if m.requestsActive == nil {
		return
	}
	m.requestsActive.Add(ctx, 1)
}

// DecrementActiveRequests marks a request leaving the pipeline.
func (m *MetricsCollector) DecrementActiveRequests(ctx context.Context) {
	if m.requestsActive == nil {
		return
	}
	m.requestsActive.Add(ctx, -1)
}
