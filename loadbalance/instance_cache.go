package loadbalance

import (
	"sync"

	"highway-rpc/logx"
	"highway-rpc/registry"
	"highway-rpc/rpcerror"
)

// InstanceCache keeps the instance list of every service a consumer has called,
// kept current by registry.Watch. Discover is only called while a service has
// no cached instances.
type InstanceCache struct {
	reg      registry.Registry
	mu       sync.Mutex
	services map[string]*watchedService
	stop     chan struct{}
	closed   bool
}

type watchedService struct {
	instances []registry.ServiceInstance
	version   uint64 // Bumped by every watch update
}

func NewInstanceCache(reg registry.Registry) *InstanceCache {
	return &InstanceCache{
		reg:      reg,
		services: make(map[string]*watchedService),
		stop:     make(chan struct{}),
	}
}

// Cached returns the known instances of service without blocking.
// ok is false when the service has no cached instances.
func (c *InstanceCache) Cached(service string) (instances []registry.ServiceInstance, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws, found := c.services[service]
	if !found || len(ws.instances) == 0 {
		return nil, false
	}
	return ws.instances, true
}

// Load returns the instances of service, discovering them if none are cached.
// The first Load of a service starts watching it. Load may block.
func (c *InstanceCache) Load(service string) ([]registry.ServiceInstance, error) {
	if instances, ok := c.Cached(service); ok {
		return instances, nil
	}
	version := c.watch(service)
	instances, err := c.reg.Discover(service)
	if err != nil {
		return nil, rpcerror.Wrap(rpcerror.CodeUnavailable, err, "discover %s", service)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A watch update newer than this Discover wins.
	if ws, ok := c.services[service]; ok && ws.version == version {
		ws.instances = instances
	}
	return instances, nil
}

// watch starts watching service once and returns the current update version.
func (c *InstanceCache) watch(service string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ws, ok := c.services[service]; ok {
		return ws.version
	}
	ws := &watchedService{}
	if c.closed {
		return 0
	}
	c.services[service] = ws
	go c.follow(service, ws, c.reg.Watch(service))
	return 0
}

func (c *InstanceCache) follow(service string, ws *watchedService, updates <-chan []registry.ServiceInstance) {
	for {
		select {
		case instances, ok := <-updates:
			if !ok {
				// The registry stopped the watch; the next Load discovers and watches again.
				c.mu.Lock()
				if c.services[service] == ws {
					delete(c.services, service)
				}
				c.mu.Unlock()
				return
			}
			c.mu.Lock()
			ws.instances = instances
			ws.version++
			c.mu.Unlock()
			logx.Log.Debug().Str("service", service).Int("instances", len(instances)).Msg("instance list updated")
		case <-c.stop:
			return
		}
	}
}

// Resolve picks an address for service from the cache, discovering on a miss.
func (c *InstanceCache) Resolve(b Balancer, service, key string) (string, error) {
	instances, err := c.Load(service)
	if err != nil {
		return "", err
	}
	inst, err := b.Pick(key, instances)
	if err != nil {
		return "", err
	}
	return inst.Addr, nil
}

// Close stops following the registry. The registry itself stays open.
func (c *InstanceCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.stop)
}
