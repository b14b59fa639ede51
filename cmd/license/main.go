package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"clickbloom-license/pkg/config"
	"clickbloom-license/pkg/gen"
	"clickbloom-license/pkg/hashistack/secretmanager"
	"clickbloom-license/pkg/hashistack/servicediscover"
	"clickbloom-license/pkg/health"
	"clickbloom-license/pkg/logger"
	"clickbloom-license/pkg/otelcol"
	"clickbloom-license/pkg/profiling"
	"clickbloom-license/pkg/redis"
	"clickbloom-license/pkg/server"
	"clickbloom-license/pkg/task"
	"clickbloom-license/services/license"
	"clickbloom-license/services/license/backend"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		fx.Invoke(func(*zap.Logger) {}),
		otelcol.Module,
		profiling.Module,
		redis.Module,
		task.Module,
		gen.Module,
		backend.Module,
		health.Module,
		server.ProvideHTTPServer,
		server.ProvideGRPCServer,
		license.Module,
		servicediscover.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger.Named("fx")}
})
