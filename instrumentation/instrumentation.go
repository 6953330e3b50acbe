package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceVersion is used when no version is provided.
	DefaultServiceVersion = "unknown"

	// scopePrefix prefixes every meter and tracer scope name.
	scopePrefix = "github.com/sgrastar/authrim/"
)

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName identifies this deployment in telemetry backends.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// Enabled controls whether instrumentation is active. When false,
	// no-op providers are used (zero overhead). Default: false.
	Enabled bool

	// Resource allows custom resource attributes. If nil, a default
	// resource is built from service name and version.
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	// Shutdown functions are registered during New() only.
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "authrim"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	var res *resource.Resource
	var err error
	if config.Resource != nil {
		res = config.Resource
	} else {
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	// The SDK exporter wiring (OTLP, stdout) belongs to the embedding
	// application; the core always goes through the provider interfaces.
	inst.meterProvider = noop.NewMeterProvider()
	inst.tracerProvider = tracenoop.NewTracerProvider()

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// SetProviders installs externally-configured meter and tracer providers
// (for example an OTLP-exporting SDK). Must be called before the
// instrumented components are constructed. Metrics are re-registered
// against the new meter provider.
func (i *Instrumentation) SetProviders(mp metric.MeterProvider, tp trace.TracerProvider) error {
	if mp != nil {
		i.meterProvider = mp
	}
	if tp != nil {
		i.tracerProvider = tp
	}

	metrics, err := newMetrics(i)
	if err != nil {
		return fmt.Errorf("failed to rebuild metrics: %w", err)
	}
	i.metrics = metrics
	return nil
}

// Shutdown gracefully shuts down all registered instrumentation components.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope ("coordinator",
// "store", "reconcile", "keystore").
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// SizeCallback reports the current entity count of one coordinator.
type SizeCallback func() int64

// RegisterSizeCallback registers an observable gauge tracking the number of
// live entities held by a named coordinator. Coordinators call this once
// when instrumentation is attached.
func (i *Instrumentation) RegisterSizeCallback(coordinatorName string, cb SizeCallback) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	meter := i.Meter("coordinator")
	gauge, err := meter.Int64ObservableGauge(
		"authrim.coordinator.entities",
		metric.WithDescription("Number of live entities held in coordinator memory"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create entities gauge: %w", err)
	}

	_, err = meter.RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			observer.ObserveInt64(gauge, cb(), metric.WithAttributes(coordinatorAttr(coordinatorName)))
			return nil
		},
		gauge,
	)
	if err != nil {
		return fmt.Errorf("failed to register size callback: %w", err)
	}

	return nil
}
