// Package consul provides optional service registration for the ACS server.
package consul

import (
	"fmt"
	"log"
	"time"

	"github.com/hashicorp/consul/api"
)

// Config contains Consul configuration
type Config struct {
	Address       string        `json:"address"`
	Token         string        `json:"token,omitempty"`
	CheckInterval time.Duration `json:"check_interval"`
	CheckTimeout  time.Duration `json:"check_timeout"`
}

// DefaultConfig returns default Consul configuration
func DefaultConfig() *Config {
	return &Config{
		Address:       "localhost:8500",
		CheckInterval: 10 * time.Second,
		CheckTimeout:  5 * time.Second,
	}
}

// ServiceRegistry registers the ACS server with Consul
type ServiceRegistry struct {
	client *api.Client
	config *Config
}

// NewServiceRegistry creates a new Consul-based service registry
func NewServiceRegistry(config *Config) (*ServiceRegistry, error) {
	if config == nil {
		config = DefaultConfig()
	}

	consulConfig := api.DefaultConfig()
	consulConfig.Address = config.Address
	if config.Token != "" {
		consulConfig.Token = config.Token
	}

	client, err := api.NewClient(consulConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	if _, err := client.Status().Leader(); err != nil {
		return nil, fmt.Errorf("failed to connect to Consul: %w", err)
	}

	log.Printf("🏛️ Connected to Consul at %s", config.Address)

	return &ServiceRegistry{client: client, config: config}, nil
}

// Register registers a service with an HTTP health check
func (r *ServiceRegistry) Register(serviceID, serviceName, address string, port, healthPort int, tags []string) error {
	registration := &api.AgentServiceRegistration{
		ID:      serviceID,
		Name:    serviceName,
		Address: address,
		Port:    port,
		Tags:    tags,
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", address, healthPort),
			Interval:                       r.config.CheckInterval.String(),
			Timeout:                        r.config.CheckTimeout.String(),
			DeregisterCriticalServiceAfter: "1m",
		},
	}

	if err := r.client.Agent().ServiceRegister(registration); err != nil {
		return fmt.Errorf("failed to register service %s: %w", serviceID, err)
	}

	log.Printf("✅ Registered service in Consul: %s (%s:%d)", serviceID, address, port)
	return nil
}

// Deregister removes a service registration
func (r *ServiceRegistry) Deregister(serviceID string) error {
	if err := r.client.Agent().ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("failed to deregister service %s: %w", serviceID, err)
	}

	log.Printf("✅ Deregistered service from Consul: %s", serviceID)
	return nil
}
