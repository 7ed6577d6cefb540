// Package metrics exports fds pipeline counters to Prometheus through the
// OpenTelemetry SDK. Every instrument name is prefixed with the configured
// namespace.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Exporter serves the fds meters on a private registry, so the process
// collectors of the default registry never leak into /metrics.
type Exporter struct {
	namespace string
	meters    *sdkmetric.MeterProvider
	registry  *prometheus.Registry
}

func NewExporter(namespace string) (*Exporter, error) {
	if namespace == "" {
		namespace = "fds"
	}
	registry := prometheus.NewRegistry()

	reader, err := promexporter.New(
		promexporter.WithRegisterer(registry),
		promexporter.WithoutScopeInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	return &Exporter{
		namespace: namespace,
		meters:    sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		registry:  registry,
	}, nil
}

// Namespace is the prefix of every instrument.
func (e *Exporter) Namespace() string {
	return e.namespace
}

// Meter returns the meter all fds instruments hang off.
func (e *Exporter) Meter() metric.Meter {
	return e.meters.Meter(e.namespace)
}

// Pipeline builds the recorder handed to ingest, dispatch and the worker.
func (e *Exporter) Pipeline() (Pipeline, error) {
	return NewPipeline(e.Meter(), e.namespace)
}

// Handler is mounted at GET /metrics.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Shutdown flushes pending observations. Safe on a nil Exporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil || e.meters == nil {
		return nil
	}
	return e.meters.Shutdown(ctx)
}
