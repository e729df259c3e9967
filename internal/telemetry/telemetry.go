// Package telemetry wires OpenTelemetry providers for shopsyncd.
//
// Metrics are exported through the Prometheus bridge and served by the
// HTTP API at /metrics. Traces get an in-process provider so spans carry
// through the daemon even when no exporter is attached. Telemetry
// failures never crash the daemon; instrumented packages fall back to
// the global no-op providers.
package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// Config holds telemetry configuration.
type Config struct {
	// Disabled turns off the global providers. The zero value keeps
	// telemetry on.
	Disabled bool `koanf:"disabled"`

	// ServiceName identifies this service in telemetry. Default:
	// "shopsyncd".
	ServiceName string `koanf:"service_name"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "shopsyncd"
	}
}

// Telemetry owns the OpenTelemetry providers and their shutdown.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	registry       *prometheus.Registry
}

// New creates telemetry providers and installs them globally. When
// disabled it returns an instance whose Registry still serves an empty
// /metrics page.
func New(cfg Config) (*Telemetry, error) {
	cfg.ApplyDefaults()

	registry := prometheus.NewRegistry()
	t := &Telemetry{registry: registry}
	if cfg.Disabled {
		return t, nil
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(t.meterProvider)

	t.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(t.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return t, nil
}

// Registry returns the Prometheus registry backing /metrics.
func (t *Telemetry) Registry() *prometheus.Registry {
	return t.registry
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down meter provider: %w", err))
		}
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down tracer provider: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
