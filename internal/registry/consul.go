package registry

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/consul/api"
)

// ConsulRegistry handles service registration with Consul for a single
// named service (e.g. "relay-server" or "prekey-repo"), so server
// binaries can discover each other's healthy peers.
type ConsulRegistry struct {
	client      *api.Client
	serviceName string
	serviceID   string
	serverPort  int
}

// NewConsulRegistry creates a new Consul registry for serviceName, with
// serviceID distinguishing this instance among peers of the same service.
func NewConsulRegistry(addr, serviceName, serviceID, serverPort string) (*ConsulRegistry, error) {
	config := api.DefaultConfig()
	config.Address = addr

	client, err := api.NewClient(config)
	if err != nil {
		return nil, err
	}

	port, err := strconv.Atoi(serverPort)
	if err != nil {
		log.Printf("warning: failed to parse server port, using default 8080: %v", err)
		port = 8080
	}

	return &ConsulRegistry{
		client:      client,
		serviceName: serviceName,
		serviceID:   serviceID,
		serverPort:  port,
	}, nil
}

// Register registers this instance with Consul.
func (c *ConsulRegistry) Register() error {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("warning: failed to get hostname, using localhost: %v", err)
		hostname = "localhost"
	}

	registration := &api.AgentServiceRegistration{
		ID:      c.serviceID,
		Name:    c.serviceName,
		Port:    c.serverPort,
		Address: hostname,
		Tags:    []string{"e2ee", c.serviceName},
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", hostname, c.serverPort),
			Interval:                       "10s",
			Timeout:                        "3s",
			DeregisterCriticalServiceAfter: "30s",
		},
		Meta: map[string]string{
			"service_id": c.serviceID,
		},
	}

	if err := c.client.Agent().ServiceRegister(registration); err != nil {
		return err
	}

	log.Printf("registered with consul: %s/%s", c.serviceName, c.serviceID)
	return nil
}

// Deregister removes this instance from Consul.
func (c *ConsulRegistry) Deregister() error {
	if err := c.client.Agent().ServiceDeregister(c.serviceID); err != nil {
		return err
	}

	log.Printf("deregistered from consul: %s/%s", c.serviceName, c.serviceID)
	return nil
}

// GetHealthyPeers returns the instance IDs of all healthy peers of this
// registry's service.
func (c *ConsulRegistry) GetHealthyPeers() ([]string, error) {
	services, _, err := c.client.Health().Service(c.serviceName, "", true, nil)
	if err != nil {
		return nil, err
	}

	peers := make([]string, 0, len(services))
	for _, service := range services {
		peers = append(peers, service.Service.ID)
	}
	return peers, nil
}

// WatchPeers watches for changes in the healthy peer set and invokes
// callback whenever Consul's view changes.
func (c *ConsulRegistry) WatchPeers(callback func([]string)) {
	var lastIndex uint64

	for {
		services, meta, err := c.client.Health().Service(c.serviceName, "", true, &api.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  5 * time.Minute,
		})
		if err != nil {
			log.Printf("error watching consul services: %v", err)
			time.Sleep(5 * time.Second)
			continue
		}

		if meta.LastIndex != lastIndex {
			lastIndex = meta.LastIndex

			peers := make([]string, 0, len(services))
			for _, service := range services {
				peers = append(peers, service.Service.ID)
			}
			callback(peers)
		}
	}
}
