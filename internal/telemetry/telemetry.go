// Package telemetry provides OpenTelemetry metrics for the daemon.
//
// Disabled by default (no-op provider, zero runtime overhead).
//
//	ELUENT_OTEL_ENABLED=true   enable metrics (default: off)
//
// The only exporter is periodic stdout; the daemon is a local
// single-user process and anything heavier belongs in whatever tails
// its log.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationScope = "github.com/eluent/eluent"

var shutdownFn func(context.Context) error

// Enabled reports whether telemetry is active.
func Enabled() bool {
	return os.Getenv("ELUENT_OTEL_ENABLED") == "true"
}

// Init installs the meter provider. When disabled this installs a no-op
// provider and returns immediately.
func Init(ctx context.Context, serviceName, version string) error {
	if !Enabled() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	exp, err := stdoutmetric.New()
	if err != nil {
		return fmt.Errorf("telemetry: stdout exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp,
			sdkmetric.WithInterval(60*time.Second))),
	)
	otel.SetMeterProvider(mp)
	shutdownFn = mp.Shutdown
	return nil
}

// Shutdown flushes and stops the meter provider.
func Shutdown(ctx context.Context) error {
	if shutdownFn == nil {
		return nil
	}
	return shutdownFn(ctx)
}

// Meter returns the instrumentation-scope meter.
func Meter() metric.Meter {
	return otel.Meter(instrumentationScope)
}

// Metrics bundles the daemon's instruments.
type Metrics struct {
	Requests     metric.Int64Counter
	Errors       metric.Int64Counter
	ClaimRetries metric.Int64Histogram
}

// NewMetrics creates the daemon instruments on the package meter.
func NewMetrics() (*Metrics, error) {
	m := Meter()
	requests, err := m.Int64Counter("eluent.daemon.requests",
		metric.WithDescription("RPC requests handled"))
	if err != nil {
		return nil, err
	}
	errs, err := m.Int64Counter("eluent.daemon.errors",
		metric.WithDescription("RPC requests that returned an error"))
	if err != nil {
		return nil, err
	}
	retries, err := m.Int64Histogram("eluent.claim.retries",
		metric.WithDescription("Retries taken by successful ledger claims"))
	if err != nil {
		return nil, err
	}
	return &Metrics{Requests: requests, Errors: errs, ClaimRetries: retries}, nil
}
