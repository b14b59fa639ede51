package license

import (
	"clickbloom-license/pkg/config"
	"clickbloom-license/pkg/gen"
	"clickbloom-license/pkg/middleware"
	"clickbloom-license/pkg/task"

	"go.uber.org/fx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var Module = fx.Module("license",
	fx.Provide(
		ProvideHasher,
		ProvideKeyGenerator,
		ProvideIDGenerator,
		NewActivationManager,
		NewCreditLedger,
		NewExpiryPolicy,
		NewAdminAPI,
		ProvideScheduler,
		NewHealthServer,
		middleware.NewAdminAuth,
		middleware.NewRateLimiter,
		NewHandler,
	),
	fx.Invoke(
		StartScheduler,
		RegisterRoutes,
		RegisterHealthServer,
		RegisterTasks,
	),
)

func ProvideHasher(cfg *config.Config) (*Hasher, error) {
	return NewHasher(cfg.License.Pepper)
}

func ProvideKeyGenerator(cfg *config.Config) (*KeyGenerator, error) {
	return NewKeyGenerator(cfg.License.KeyPrefix)
}

func ProvideIDGenerator(node *gen.SnowflakeNode) IDGenerator {
	return node
}

type SchedulerParams struct {
	fx.In
	Policy *ExpiryPolicy
	Config *config.Config
	Queue  task.Enqueuer `optional:"true"`
}

func ProvideScheduler(p SchedulerParams) *Scheduler {
	return NewScheduler(p.Policy, p.Config.License.CleanupInterval).WithQueue(p.Queue)
}

func RegisterHealthServer(srv *grpc.Server, hs *HealthServer) {
	grpc_health_v1.RegisterHealthServer(srv, hs)
}
