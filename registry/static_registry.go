package registry

import (
	"sync"
)

// StaticRegistry keeps instances in memory. TTLs are ignored.
type StaticRegistry struct {
	mu       sync.Mutex
	services map[string][]ServiceInstance
	watchers map[string][]chan []ServiceInstance
	closed   bool
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		services: make(map[string][]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

// NewStaticRegistryOf creates a registry pre-filled with addrs for one service.
func NewStaticRegistryOf(serviceName string, addrs ...string) *StaticRegistry {
	r := NewStaticRegistry()
	for _, a := range addrs {
		r.services[serviceName] = append(r.services[serviceName], ServiceInstance{Addr: a, Weight: 1})
	}
	return r
}

// Register adds or replaces the instance with the same address.
func (r *StaticRegistry) Register(serviceName string, instance ServiceInstance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.services[serviceName]
	replaced := false
	for i := range list {
		if list[i].Addr == instance.Addr {
			list[i] = instance
			replaced = true
		}
	}
	if !replaced {
		list = append(list, instance)
	}
	r.services[serviceName] = list
	r.notify(serviceName)
	return nil
}

func (r *StaticRegistry) Deregister(serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.services[serviceName]
	kept := list[:0]
	for _, inst := range list {
		if inst.Addr != addr {
			kept = append(kept, inst)
		}
	}
	r.services[serviceName] = kept
	r.notify(serviceName)
	return nil
}

func (r *StaticRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ServiceInstance{}, r.services[serviceName]...), nil
}

func (r *StaticRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan []ServiceInstance, 1)
	if r.closed {
		close(ch)
		return ch
	}
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	return ch
}

// notify must hold r.mu. A watcher that has not consumed the previous list gets the newer one instead.
func (r *StaticRegistry) notify(serviceName string) {
	snapshot := append([]ServiceInstance{}, r.services[serviceName]...)
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}

func (r *StaticRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, list := range r.watchers {
		for _, ch := range list {
			close(ch)
		}
	}
	r.watchers = nil
	return nil
}
