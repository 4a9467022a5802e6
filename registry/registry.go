// Package registry is the discovery boundary: producers advertise the address
// they serve a service on, consumers look those addresses up.
//
// Three implementations share one interface:
//
//	StaticRegistry   in-process map, for tests and fixed deployments
//	EtcdRegistry     /highway/{service}/{addr} keys bound to a lease
//	RedisRegistry    highway:{service}:instance:{addr} keys with a TTL + an index set
package registry

import (
	"sort"
	"strings"
)

type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version"`
}

type Registry interface {
	// Register advertises instance under serviceName. ttl (seconds) bounds how long the
	// entry survives a crashed producer; implementations keep it alive while running.
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list whenever it changes, until Close.
	Watch(serviceName string) <-chan []ServiceInstance
	Close() error
}

// fingerprint identifies an instance set independent of order.
func fingerprint(instances []ServiceInstance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}
