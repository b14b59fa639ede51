package otelcol

import (
	"context"
	"errors"

	"clickbloom-license/pkg/config"
	"clickbloom-license/pkg/otelcol/exporters"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("otelcol",
	fx.Provide(
		NewResource,
		NewRegistry,
		exporters.Provide,
		NewProviders,
	),
	fx.Invoke(RegisterMetricsRoute),
)

func NewResource(cfg *config.Config) (*resource.Resource, error) {
	return resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
		attribute.String("deployment.environment", cfg.AppEnv),
	))
}

// NewRegistry returns the registry served on /metrics, preloaded with the
// process and Go runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func defaultTraceProviderOption(res *resource.Resource) []sdktrace.TracerProviderOption {
	return []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
}

func ProvideTrace(exporter sdktrace.SpanExporter, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	if len(opts) == 0 {
		opts = defaultTraceProviderOption(resource.Default())
	}

	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	return sdktrace.NewTracerProvider(opts...)
}

func defaultMetricProviderOption(res *resource.Resource) []sdkmetric.Option {
	return []sdkmetric.Option{
		sdkmetric.WithResource(res),
	}
}

func ProvideMetric(reader sdkmetric.Reader, opts ...sdkmetric.Option) *sdkmetric.MeterProvider {
	if len(opts) == 0 {
		opts = defaultMetricProviderOption(resource.Default())
	}

	opts = append(opts, sdkmetric.WithReader(reader))

	return sdkmetric.NewMeterProvider(opts...)
}

type Params struct {
	fx.In
	Lifecycle fx.Lifecycle
	Resource  *resource.Resource
	Registry  *prometheus.Registry
	Exporter  *otlptrace.Exporter
}

type Providers struct {
	fx.Out
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// NewProviders installs the SDK providers globally and flushes them on stop.
// Metrics always go to the Prometheus registry; spans are exported only when
// an OTLP exporter is configured.
func NewProviders(p Params) (Providers, error) {
	reader, err := otelprom.New(otelprom.WithRegisterer(p.Registry))
	if err != nil {
		return Providers{}, err
	}

	var exporter sdktrace.SpanExporter
	if p.Exporter != nil {
		exporter = p.Exporter
	}

	tp := ProvideTrace(exporter, defaultTraceProviderOption(p.Resource)...)
	mp := ProvideMetric(reader, defaultMetricProviderOption(p.Resource)...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	zap.L().Info("telemetry initialized", zap.Bool("trace_export", exporter != nil))

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	})

	return Providers{TracerProvider: tp, MeterProvider: mp}, nil
}

func RegisterMetricsRoute(r *gin.Engine, reg *prometheus.Registry) {
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
}
