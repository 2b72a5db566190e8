package instrumentation

import (
	"context"
	"fmt"
	"sync"

	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "mcp-gateway-auth"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	// instrumentationPrefix is prepended to every meter and tracer scope
	instrumentationPrefix = "github.com/giantswarm/mcp-gateway-auth/"
)

// Metrics exporter names accepted by Config.MetricsExporter.
const (
	MetricsExporterNone       = "none"
	MetricsExporterPrometheus = "prometheus"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service reported in the OTEL resource
	ServiceName string `yaml:"serviceName"`

	// ServiceVersion is the version of the service
	ServiceVersion string `yaml:"serviceVersion"`

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used.
	Enabled bool `yaml:"enabled"`

	// MetricsExporter selects the metrics exporter: "none" (default) or "prometheus".
	// The prometheus exporter registers with the default Prometheus registerer,
	// serve it with promhttp.Handler().
	MetricsExporter string `yaml:"metricsExporter"`

	// TracerProvider overrides the tracer provider, e.g. one wired to an OTLP exporter.
	TracerProvider trace.TracerProvider `yaml:"-"`

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource `yaml:"-"`
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	// shutdownFuncs are registered during New() only
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}
	if config.MetricsExporter == "" {
		config.MetricsExporter = MetricsExporterNone
	}

	res := config.Resource
	if res == nil {
		var err error
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

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	metrics, err := newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	inst.metrics = metrics

	return inst, nil
}

// initializeProviders builds the SDK meter and tracer providers.
func (i *Instrumentation) initializeProviders() error {
	switch i.config.MetricsExporter {
	case MetricsExporterPrometheus:
		exporter, err := otelprom.New()
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exporter),
			sdkmetric.WithResource(i.resource),
		)
		i.meterProvider = mp
		i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
	case MetricsExporterNone:
		i.meterProvider = noop.NewMeterProvider()
	default:
		return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
	}

	if i.config.TracerProvider != nil {
		i.tracerProvider = i.config.TracerProvider
		return nil
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(i.resource))
	i.tracerProvider = tp
	i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)
	return nil
}

// Shutdown flushes and stops all providers created by New.
// It is safe to call more than once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	if i == nil {
		return nil
	}
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

// Meter returns a named meter for the given scope ("http", "server", "storage",
// "keys", "federation", "permissions", "session").
func (i *Instrumentation) Meter(scope string) metric.Meter {
	if i == nil {
		return noop.NewMeterProvider().Meter(instrumentationPrefix + scope)
	}
	return i.meterProvider.Meter(instrumentationPrefix + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	if i == nil {
		return tracenoop.NewTracerProvider().Tracer(instrumentationPrefix + scope)
	}
	return i.tracerProvider.Tracer(instrumentationPrefix + scope)
}

// Metrics returns the metrics holder. It returns nil on a nil receiver;
// every Record method on *Metrics is nil-safe.
func (i *Instrumentation) Metrics() *Metrics {
	if i == nil {
		return nil
	}
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// GaugeCallback returns the current value of an observable gauge.
type GaugeCallback func() int64

// RegisterStorageSizeCallbacks registers the storage size gauges. Nil
// callbacks are skipped.
func (i *Instrumentation) RegisterStorageSizeCallbacks(clients, codes, refreshTokens, apiKeys GaugeCallback) error {
	if i == nil {
		return nil
	}
	m := i.metrics
	_, err := i.Meter("storage").RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			observeIfSet(observer, m.StorageClientsCount, clients)
			observeIfSet(observer, m.StorageCodesCount, codes)
			observeIfSet(observer, m.StorageRefreshTokensCount, refreshTokens)
			observeIfSet(observer, m.StorageAPIKeysCount, apiKeys)
			return nil
		},
		m.StorageClientsCount,
		m.StorageCodesCount,
		m.StorageRefreshTokensCount,
		m.StorageAPIKeysCount,
	)
	return err
}

// RegisterSessionCallback registers the active sessions gauge.
func (i *Instrumentation) RegisterSessionCallback(active GaugeCallback) error {
	if i == nil || active == nil {
		return nil
	}
	m := i.metrics
	_, err := i.Meter("session").RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			observer.ObserveInt64(m.SessionsActive, active())
			return nil
		},
		m.SessionsActive,
	)
	return err
}

func observeIfSet(observer metric.Observer, gauge metric.Int64ObservableGauge, cb GaugeCallback) {
	if cb != nil {
		observer.ObserveInt64(gauge, cb())
	}
}
