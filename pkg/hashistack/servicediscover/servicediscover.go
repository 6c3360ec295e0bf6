package servicediscover

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"trophymint/internal/endpoint"
	"trophymint/pkg/config"

	"github.com/hashicorp/consul/api"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("servicediscover",
	fx.Invoke(RegisterService),
)

type ServiceRegistry interface {
	Register(ctx context.Context) error
	Deregister(ctx context.Context) error
}

type serviceRegistry struct {
	client *api.Client
}

func NewConfig(cfg *config.Config) *api.Config {
	config := api.DefaultConfig()
	config.Address = cfg.Consul.Addr

	return config
}

func NewClient(config *api.Config) (*api.Client, error) {
	return api.NewClient(config)
}

func NewRegistry(client *api.Client) ServiceRegistry {
	return &serviceRegistry{
		client: client,
	}
}

func (r *serviceRegistry) Register(ctx context.Context) error   { return nil }
func (r *serviceRegistry) Deregister(ctx context.Context) error { return nil }

type ConsulRegistry struct {
	client    *api.Client
	serviceID string
	service   *api.AgentServiceRegistration
}

func NewConsulRegistry(address, serviceName, serviceID, host string, port int) (*ConsulRegistry, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, err
	}

	service := &api.AgentServiceRegistration{
		ID:      serviceID,
		Name:    serviceName,
		Address: host,
		Port:    port,
		Check: &api.AgentServiceCheck{
			HTTP:     fmt.Sprintf("http://%s:%d/readyz", host, port),
			Interval: "10s",
			Timeout:  "5s",
		},
	}

	return &ConsulRegistry{
		client:    client,
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

// RegisterService registers the process with consul on start and deregisters
// on stop. Skipped when CONSUL.ADDR is not configured.
func RegisterService(lc fx.Lifecycle, cfg *config.Config) {
	if cfg.Consul.Addr == "" {
		zap.L().Info("[Consul] No address configured, skipping service registration")
		return
	}

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}

	port := 8080
	if _, p, err := net.SplitHostPort(endpoint.Normalize(cfg.Server.Addr)); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	serviceID := fmt.Sprintf("%s-%s", cfg.AppName, host)
	registry, err := NewConsulRegistry(cfg.Consul.Addr, cfg.AppName, serviceID, host, port)
	if err != nil {
		zap.L().Error("[Consul] Failed to build registry", zap.Error(err))
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := registry.Register(ctx); err != nil {
				zap.L().Error("[Consul] Failed to register service", zap.Error(err))
				return err
			}
			zap.L().Info("[Consul] Service registered", zap.String("service_id", serviceID))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return registry.Deregister(ctx)
		},
	})
}
