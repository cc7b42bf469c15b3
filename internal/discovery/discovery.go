// Package discovery registers the server with Consul and lets clients find
// it again.
package discovery

import (
	"fmt"
	"net"
	"strconv"

	consul "github.com/hashicorp/consul/api"
)

type ServiceDiscovery struct {
	client      *consul.Client
	serviceName string
	registered  []string
}

func NewServiceDiscovery(consulAddr, serviceName string) (*ServiceDiscovery, error) {
	config := consul.DefaultConfig()
	config.Address = consulAddr

	client, err := consul.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}

	return &ServiceDiscovery{
		client:      client,
		serviceName: serviceName,
	}, nil
}

// HTTPServiceName is the Consul name of the REST/WebSocket listener.
func (sd *ServiceDiscovery) HTTPServiceName() string {
	return sd.serviceName + "-http"
}

// Register announces the gRPC health listener and the HTTP listener at
// address, each with its own health check.
func (sd *ServiceDiscovery) Register(address string, grpcPort, httpPort int) error {
	grpcAddr := net.JoinHostPort(address, strconv.Itoa(grpcPort))
	httpAddr := net.JoinHostPort(address, strconv.Itoa(httpPort))

	registrations := []*consul.AgentServiceRegistration{
		{
			ID:      sd.serviceName,
			Name:    sd.serviceName,
			Port:    grpcPort,
			Address: address,
			Check: &consul.AgentServiceCheck{
				GRPC:                           grpcAddr,
				Interval:                       "10s",
				Timeout:                        "5s",
				DeregisterCriticalServiceAfter: "30s",
			},
			Tags: []string{"chatops", "grpc"},
		},
		{
			ID:      sd.HTTPServiceName(),
			Name:    sd.HTTPServiceName(),
			Port:    httpPort,
			Address: address,
			Check: &consul.AgentServiceCheck{
				HTTP:                           "http://" + httpAddr + "/api/v1/health",
				Interval:                       "10s",
				Timeout:                        "5s",
				DeregisterCriticalServiceAfter: "30s",
			},
			Tags: []string{"chatops", "http", "websocket"},
		},
	}

	for _, reg := range registrations {
		if err := sd.client.Agent().ServiceRegister(reg); err != nil {
			return fmt.Errorf("register %s: %w", reg.ID, err)
		}
		sd.registered = append(sd.registered, reg.ID)
	}
	return nil
}

// Deregister removes every service added by Register. It returns the first
// error but still attempts the rest.
func (sd *ServiceDiscovery) Deregister() error {
	var first error
	for _, id := range sd.registered {
		if err := sd.client.Agent().ServiceDeregister(id); err != nil && first == nil {
			first = fmt.Errorf("deregister %s: %w", id, err)
		}
	}
	sd.registered = nil
	return first
}

// Discover returns host:port of a healthy instance of service.
func (sd *ServiceDiscovery) Discover(service string) (string, error) {
	services, _, err := sd.client.Health().Service(service, "", true, nil)
	if err != nil {
		return "", fmt.Errorf("query consul: %w", err)
	}

	if len(services) == 0 {
		return "", fmt.Errorf("no healthy %s services found", service)
	}

	entry := services[0]
	addr := entry.Service.Address
	if addr == "" {
		addr = entry.Node.Address
	}

	return net.JoinHostPort(addr, strconv.Itoa(entry.Service.Port)), nil
}

// LocalIP returns the first non-loopback IPv4 address, or 127.0.0.1.
func LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
