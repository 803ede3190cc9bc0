package servicediscover

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"licensing-controlplane/pkg/config"

	"github.com/hashicorp/consul/api"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("servicediscover",
	fx.Provide(NewConfig, NewClient, NewRegistry),
	fx.Invoke(RegisterService),
)

type ServiceRegistry interface {
	Register(ctx context.Context) error
	Deregister(ctx context.Context) error
}

func NewConfig(cfg *config.Config) *api.Config {
	config := api.DefaultConfig()
	config.Address = cfg.Consul.Addr

	return config
}

func NewClient(config *api.Config) (*api.Client, error) {
	return api.NewClient(config)
}

type ConsulRegistry struct {
	client    *api.Client
	serviceID string
	service   *api.AgentServiceRegistration
}

type RegistryParams struct {
	fx.In
	Config *config.Config
	Client *api.Client
}

// NewRegistry builds the consul registration for this instance. The health
// check points at the ops server's readiness endpoint.
func NewRegistry(p RegistryParams) (ServiceRegistry, error) {
	host, portStr, err := net.SplitHostPort(p.Config.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid server addr %q: %w", p.Config.Server.Addr, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid server port %q: %w", portStr, err)
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, err
		}
		host = hostname
	}

	serviceID := fmt.Sprintf("%s-%s", p.Config.AppName, host)

	service := &api.AgentServiceRegistration{
		ID:      serviceID,
		Name:    p.Config.AppName,
		Address: host,
		Port:    port,
		Check: &api.AgentServiceCheck{
			HTTP:     fmt.Sprintf("http://%s:%d/health/readiness", host, port),
			Interval: "10s",
			Timeout:  "5s",
		},
	}

	return &ConsulRegistry{
		client:    p.Client,
		serviceID: serviceID,
		service:   service,
	}, nil
}

func (r *ConsulRegistry) Register(ctx context.Context) error {
	return r.client.Agent().ServiceRegister(r.service)
}

func (r *ConsulRegistry) Deregister(ctx context.Context) error {
	return r.client.Agent().ServiceDeregister(r.serviceID)
}

func RegisterService(lc fx.Lifecycle, registry ServiceRegistry) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := registry.Register(ctx); err != nil {
				zap.L().Error("[Consul] Failed to register service", zap.Error(err))
				return err
			}
			zap.L().Info("[Consul] ✅ Service registered")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return registry.Deregister(ctx)
		},
	})
}
