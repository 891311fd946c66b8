package consul

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// Connect establishes a connection to the Consul agent at the given address.
func Connect(address string, logger *zap.Logger) (*consulapi.Client, error) {
	config := consulapi.DefaultConfig()
	if address != "" {
		config.Address = address
	}

	client, err := consulapi.NewClient(config)
	if err != nil {
		logger.Error("Failed to create Consul client", zap.String("address", config.Address), zap.Error(err))
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	// Ping the agent to verify connectivity before anyone relies on it.
	_, err = client.Agent().Self()
	if err != nil {
		logger.Error("Failed to connect to Consul agent", zap.String("address", config.Address), zap.Error(err))
		return nil, fmt.Errorf("failed to connect to consul agent at %s: %w", config.Address, err)
	}

	logger.Info("Successfully connected to Consul agent", zap.String("address", config.Address))
	return client, nil
}

// RegisterService registers this service instance with Consul, including an
// HTTP health check, and returns a deregister function for shutdown.
func RegisterService(client *consulapi.Client, serviceID, serviceName, servicePort string, tags []string, healthCheckPath string, checkInterval, checkTimeout time.Duration, logger *zap.Logger) (func(), error) {
	port, err := strconv.Atoi(strings.TrimPrefix(servicePort, ":"))
	if err != nil {
		return nil, fmt.Errorf("invalid service port %q: %w", servicePort, err)
	}

	checkAddress, err := getCheckAddress(port, healthCheckPath)
	if err != nil {
		return nil, fmt.Errorf("could not determine health check address: %w", err)
	}

	registration := &consulapi.AgentServiceRegistration{
		ID:   serviceID,
		Name: serviceName,
		Port: port,
		Tags: tags,
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           checkAddress,
			Interval:                       checkInterval.String(),
			Timeout:                        checkTimeout.String(),
			DeregisterCriticalServiceAfter: (checkInterval * 6).String(),
		},
	}

	if err := client.Agent().ServiceRegister(registration); err != nil {
		logger.Error("Failed to register service with Consul",
			zap.String("service_id", serviceID),
			zap.String("service_name", serviceName),
			zap.Error(err))
		return nil, fmt.Errorf("failed to register service %s: %w", serviceName, err)
	}

	logger.Info("Service registered with Consul",
		zap.String("service_id", serviceID),
		zap.String("service_name", serviceName),
		zap.Int("port", port),
		zap.String("health_check", checkAddress))

	deregister := func() {
		if err := client.Agent().ServiceDeregister(serviceID); err != nil {
			logger.Error("Failed to deregister service from Consul", zap.String("service_id", serviceID), zap.Error(err))
			return
		}
		logger.Info("Service deregistered from Consul", zap.String("service_id", serviceID))
	}
	return deregister, nil
}

// getCheckAddress builds the URL the Consul agent will probe. It prefers an
// explicitly configured advertise address, then falls back to the first
// non-loopback interface address.
func getCheckAddress(port int, path string) (string, error) {
	if addr := os.Getenv("SERVICE_ADVERTISE_ADDR"); addr != "" {
		return fmt.Sprintf("http://%s:%d%s", addr, port, path), nil
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("failed to list interface addresses: %w", err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		return fmt.Sprintf("http://%s:%d%s", ipNet.IP.String(), port, path), nil
	}
	// Last resort: localhost works when the Consul agent runs on the same host.
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, path), nil
}
