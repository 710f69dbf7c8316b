// Package telemetry wires the engine's OpenTelemetry providers.
//
// Telemetry is off unless STORYSYNC_OTEL_ENABLED=true; the off path
// installs noop providers and costs nothing at runtime. When on, spans
// and metrics go to stdout (STORYSYNC_OTEL_STDOUT=true), to an OTLP/gRPC
// collector (OTEL_EXPORTER_OTLP_ENDPOINT), or both. Metrics can target a
// separate collector via OTEL_EXPORTER_OTLP_METRICS_ENDPOINT.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationScope = "github.com/epicforge/storysync"

// settings is the telemetry environment, read once at Init.
type settings struct {
	enabled        bool
	stdout         bool
	traceEndpoint  string
	metricEndpoint string
}

func readSettings() settings {
	st := settings{
		enabled:        os.Getenv("STORYSYNC_OTEL_ENABLED") == "true",
		stdout:         os.Getenv("STORYSYNC_OTEL_STDOUT") == "true",
		traceEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		metricEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"),
	}
	if st.metricEndpoint == "" {
		st.metricEndpoint = st.traceEndpoint
	}
	// Enabled with no exporter configured still produces output somewhere.
	if st.enabled && !st.stdout && st.traceEndpoint == "" {
		st.stdout = true
	}
	return st
}

var shutdownFns []func(context.Context) error

// Enabled reports whether telemetry is active (STORYSYNC_OTEL_ENABLED=true).
func Enabled() bool {
	return os.Getenv("STORYSYNC_OTEL_ENABLED") == "true"
}

// Init installs the global tracer and meter providers. When telemetry is
// disabled this installs noops and returns immediately.
func Init(ctx context.Context, serviceName, version string) error {
	st := readSettings()
	if !st.enabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if st.stdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("telemetry: stdout trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp))
	}
	if st.traceEndpoint != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(st.traceEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("telemetry: otlp trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tp)
	shutdownFns = append(shutdownFns, tp.Shutdown)

	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if st.stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return fmt.Errorf("telemetry: stdout metric exporter: %w", err)
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))))
	}
	if st.metricEndpoint != "" {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(st.metricEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("telemetry: otlp metric exporter: %w", err)
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second))))
	}
	mp := sdkmetric.NewMeterProvider(metricOpts...)
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)

	return nil
}

// Tracer returns a tracer with the given instrumentation name (or the
// module-wide scope).
func Tracer(name string) trace.Tracer {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Tracer(name)
}

// Meter returns a meter with the given instrumentation name (or the
// module-wide scope).
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes and stops the installed providers. Deferred in the
// command runner with a short-lived context.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}
