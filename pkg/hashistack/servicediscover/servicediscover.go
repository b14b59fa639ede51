package servicediscover

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"clickbloom-license/pkg/config"

	"github.com/hashicorp/consul/api"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("servicediscover", fx.Invoke(RegisterConsul))

type ServiceRegistry interface {
	Register(ctx context.Context) error
	Deregister(ctx context.Context) error
}

func NewConfig(cfg *config.Config) *api.Config {
	config := api.DefaultConfig()
	config.Address = cfg.Consul.Addr

	return config
}

type ConsulRegistry struct {
	client    *api.Client
	serviceID string
	service   *api.AgentServiceRegistration
}

// NewRegistration describes this instance to Consul with an HTTP check
// against the readiness probe.
func NewRegistration(cfg *config.Config, host string) (*api.AgentServiceRegistration, error) {
	port, err := strconv.Atoi(cfg.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("HTTP_SERVER.ADDR %q is not a port: %w", cfg.Server.Addr, err)
	}

	return &api.AgentServiceRegistration{
		ID:      fmt.Sprintf("%s-%d", cfg.AppName, cfg.NodeID),
		Name:    cfg.AppName,
		Address: host,
		Port:    port,
		Tags:    []string{cfg.AppEnv, cfg.AppVersion},
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health/readiness", host, port),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}, nil
}

func NewConsulRegistry(cfg *config.Config, host string) (*ConsulRegistry, error) {
	client, err := api.NewClient(NewConfig(cfg))
	if err != nil {
		return nil, err
	}

	service, err := NewRegistration(cfg, host)
	if err != nil {
		return nil, err
	}

	return &ConsulRegistry{
		client:    client,
		serviceID: service.ID,
		service:   service,
	}, nil
}

func (r *ConsulRegistry) Register(ctx context.Context) error {
	return r.client.Agent().ServiceRegister(r.service)
}

func (r *ConsulRegistry) Deregister(ctx context.Context) error {
	return r.client.Agent().ServiceDeregister(r.serviceID)
}

// RegisterConsul registers the instance on start and removes it on stop.
// It does nothing when CONSUL.ADDR is empty.
func RegisterConsul(lc fx.Lifecycle, cfg *config.Config) error {
	if cfg.Consul.Addr == "" {
		return nil
	}

	host, err := os.Hostname()
	if err != nil {
		return err
	}

	registry, err := NewConsulRegistry(cfg, host)
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := registry.Register(ctx); err != nil {
				// Discovery is optional; the service still answers directly.
				zap.L().Error("failed to register with consul", zap.String("service_id", registry.serviceID), zap.Error(err))
				return nil
			}
			zap.L().Info("registered with consul", zap.String("service_id", registry.serviceID))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return registry.Deregister(ctx)
		},
	})

	return nil
}
