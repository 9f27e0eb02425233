package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otellog "go.opentelemetry.io/otel/log"
	lognoop "go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Config selects which OTLP exporters are started.
type Config struct {
	Endpoint        string // host:port of the collector; empty uses the exporter default
	ServiceName     string
	MetricsEnabled  bool
	MetricsInterval time.Duration
	LogsEnabled     bool
}

// Providers owns the meter and logger providers. Disabled signals get no-op
// providers so callers never branch on configuration.
type Providers struct {
	MeterProvider  metric.MeterProvider
	LoggerProvider otellog.LoggerProvider

	serviceName string
	shutdown    []func(context.Context) error
}

// Setup starts the OTLP gRPC exporters enabled in cfg.
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	p := &Providers{
		MeterProvider:  metricnoop.NewMeterProvider(),
		LoggerProvider: lognoop.NewLoggerProvider(),
		serviceName:    cfg.ServiceName,
	}
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	if cfg.MetricsEnabled {
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.Endpoint))
		}
		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("metric exporter: %w", err)
		}
		interval := cfg.MetricsInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		)
		p.MeterProvider = mp
		p.shutdown = append(p.shutdown, mp.Shutdown)
	}

	if cfg.LogsEnabled {
		opts := []otlploggrpc.Option{otlploggrpc.WithInsecure()}
		if cfg.Endpoint != "" {
			opts = append(opts, otlploggrpc.WithEndpoint(cfg.Endpoint))
		}
		exporter, err := otlploggrpc.New(ctx, opts...)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("log exporter: %w", err)
		}
		lp := sdklog.NewLoggerProvider(
			sdklog.WithResource(res),
			sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		)
		p.LoggerProvider = lp
		p.shutdown = append(p.shutdown, lp.Shutdown)
	}

	return p, nil
}

// Logger returns the event logger of the service.
func (p *Providers) Logger() otellog.Logger {
	return p.LoggerProvider.Logger(p.serviceName)
}

// Shutdown flushes and stops every started provider.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		if err := p.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdown = nil
	return errors.Join(errs...)
}
