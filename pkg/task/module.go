package task

import (
	"context"

	"clickbloom-license/pkg/config"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module runs the task queue on the shared Redis. Without Redis the client
// and enqueuer are nil and no worker is started.
var Module = fx.Module("asynq",
	fx.Provide(registerClient, NewEnqueuer, registerServerMux),
	fx.Invoke(registerAsynqServer),
)

type ClientParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Redis     *redis.Client `optional:"true"`
}

func registerClient(p ClientParams) *asynq.Client {
	if p.Redis == nil {
		return nil
	}

	client := asynq.NewClientFromRedisClient(p.Redis)
	zap.L().Info("[Asynq] client ready")

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

func registerServerMux() *asynq.ServeMux {
	return asynq.NewServeMux()
}

func NewServerConfig() asynq.Config {
	return asynq.Config{
		Concurrency:    4,
		RetryDelayFunc: asynq.DefaultRetryDelayFunc,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			zap.L().Error("asynq task failed", zap.String("task_type", task.Type()), zap.Error(err))
		}),
	}
}

func registerAsynqServer(lc fx.Lifecycle, cfg *config.Config, client *asynq.Client, mux *asynq.ServeMux) {
	if client == nil {
		zap.L().Info("[Asynq] redis not configured, worker disabled")
		return
	}

	server := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		NewServerConfig(),
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := server.Start(mux); err != nil {
				return err
			}
			zap.L().Info("[Asynq] worker started", zap.String("addr", cfg.Redis.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			server.Shutdown()
			return nil
		},
	})
}
