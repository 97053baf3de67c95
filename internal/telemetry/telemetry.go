// Package telemetry installs the OpenTelemetry meter provider the gateway's
// alert counters report through.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/BIGmindz/ChainBridge-sub012/internal/config"
)

const exportInterval = 15 * time.Second

// NewMeterProvider builds a provider tagged with the service resource. opts
// carry the readers.
func NewMeterProvider(service, version string, opts ...sdkmetric.Option) (*sdkmetric.MeterProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
			semconv.ServiceVersion(version),
			attribute.String("chainbridge.component", "trust-gateway"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	return sdkmetric.NewMeterProvider(append([]sdkmetric.Option{sdkmetric.WithResource(res)}, opts...)...), nil
}

// Setup installs the global meter provider for cfg. Exporter "none" installs
// a provider with no reader, so instruments record nowhere but stay valid.
// The caller shuts the provider down.
func Setup(ctx context.Context, cfg config.TelemetryConfig, service, version string) (*sdkmetric.MeterProvider, error) {
	var opts []sdkmetric.Option
	switch cfg.Exporter {
	case "", "none":
	case "otlp":
		exporterOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(exportInterval))))
	default:
		return nil, fmt.Errorf("unknown telemetry exporter %q", cfg.Exporter)
	}

	mp, err := NewMeterProvider(service, version, opts...)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(mp)
	return mp, nil
}
