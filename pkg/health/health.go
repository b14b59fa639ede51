package health

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("health",
	fx.Provide(ProvideHealth),
	fx.Invoke(RegisterRoutes),
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Health struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Deps    []Dependency `json:"deps"`
}

type HealthService interface {
	Liveness(c *gin.Context)
	Readiness(c *gin.Context)
}

// Pinger is anything readiness should wait on.
type Pinger interface {
	Ping(ctx context.Context) error
}

type health struct {
	store Pinger
	redis *redis.Client
}

type HealthParams struct {
	fx.In
	Store Pinger        `optional:"true"`
	Redis *redis.Client `optional:"true"`
}

func ProvideHealth(p HealthParams) HealthService {
	return New(p.Store, p.Redis)
}

func New(store Pinger, rdb *redis.Client) HealthService {
	return &health{store: store, redis: rdb}
}

func (h *health) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, &Health{
		Status:  statusHealthy,
		Message: "OK",
	})
}

func (h *health) Readiness(c *gin.Context) {
	this := &Health{
		Status:  statusHealthy,
		Message: "OK",
	}

	deps := make([]Dependency, 0, 2)
	if h.store != nil {
		deps = append(deps, check("store", func() error { return h.store.Ping(c.Request.Context()) }))
	}
	if h.redis != nil {
		deps = append(deps, check("redis", func() error { return h.redis.Ping(c.Request.Context()).Err() }))
	}
	this.Deps = deps

	code := http.StatusOK
	for _, d := range deps {
		// Redis only backs rate limiting; losing it degrades, not fails.
		if d.Status == statusUnhealthy && d.Name == "store" {
			this.Status = statusUnhealthy
			this.Message = "store unavailable"
			code = http.StatusServiceUnavailable
		}
	}

	c.JSON(code, this)
}

func check(name string, ping func() error) Dependency {
	dep := Dependency{Name: name, Status: statusHealthy, Message: "OK"}
	if err := ping(); err != nil {
		dep.Status = statusUnhealthy
		dep.Message = err.Error()
	}
	return dep
}

// Register mounts the probes under /health.
func Register(r gin.IRoutes, h HealthService) {
	r.GET("/health/liveness", h.Liveness)
	r.GET("/health/readiness", h.Readiness)
}

func RegisterRoutes(r *gin.Engine, h HealthService) {
	Register(r, h)
}
