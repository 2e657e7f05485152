package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// SetupMetrics installs an SDK MeterProvider backed by the given
// Prometheus registry (the default registry when nil) as the global
// OTEL provider. Every instrument created via otel.Meter then records
// into the registry served at /metrics instead of the no-op default.
// The returned func shuts the provider down and flushes its reader.
func SetupMetrics(serviceName, serviceVersion string, reg prometheus.Registerer) (func(context.Context) error, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	// Standalone resource to avoid schema URL conflicts with
	// resource.Default(), which pins a different semconv version.
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}
