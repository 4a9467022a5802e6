// Package loadbalance provides load balancing strategies for distributing
// invocations across the instances of a service.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Stateful services requiring cache affinity
package loadbalance

import (
	"strings"

	"highway-rpc/registry"
	"highway-rpc/rpcerror"
)

// Balancer is the interface for load balancing strategies.
// The load-balance filter calls Pick() before each invocation to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list. key is the
	// invocation's affinity key; strategies without affinity ignore it.
	// Called on every invocation, must be goroutine-safe.
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name. Unknown names fall back to round robin.
func New(name string) Balancer {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "")) {
	case "weightedrandom", "weighted", "random":
		return &WeightedRandomBalancer{}
	case "consistenthash", "hash":
		return NewConsistentHashBalancer()
	default:
		return &RoundRobinBalancer{}
	}
}

func noInstances() error {
	return rpcerror.New(rpcerror.CodeUnavailable, "no instances available")
}
