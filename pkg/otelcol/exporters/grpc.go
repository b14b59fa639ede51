package exporters

import (
	"context"
	"time"

	"clickbloom-license/pkg/config"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
)

func ProvideGrpc(cfg *config.Config) (*otlptrace.Exporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Otel.Addr),
		otlptracegrpc.WithCompressor("gzip"),
	}
	if cfg.Otel.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	return otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
}

// Provide picks the OTLP transport from OTEL.PROTOCOL. It returns a nil
// exporter when OTEL.ADDR is empty, which leaves spans unexported.
func Provide(cfg *config.Config) (*otlptrace.Exporter, error) {
	if cfg.Otel.Addr == "" {
		return nil, nil
	}
	if cfg.Otel.Protocol == "grpc" {
		return ProvideGrpc(cfg)
	}
	return ProvideHttp(cfg)
}
