package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"highway-rpc/logx"
)

// etcd is used as a "distributed phonebook" for services:
//
//	Key:   /highway/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the producer crashes, the lease expires
// and the entry is removed, so consumers never see "ghost" instances.
const etcdPrefix = "/highway/"

const etcdRequestTimeout = 5 * time.Second

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // Thread-safe, shared across goroutines

	ctx    context.Context // Cancelled by Close: stops keepalives and watches
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, revoked on Deregister
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: etcdRequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func etcdKey(serviceName, addr string) string {
	return etcdPrefix + serviceName + "/" + addr
}

// Register adds a service instance to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
//
// Lease ids are tracked per key, never in a single field, so several producers
// can share one EtcdRegistry without racing.
func (r *EtcdRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	if ttl <= 0 {
		ttl = 10
	}
	ctx, cancel := context.WithTimeout(r.ctx, etcdRequestTimeout)
	defer cancel()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	key := etcdKey(serviceName, instance.Addr)
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// KeepAlive lives as long as the registry, not the request context.
	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		logx.Log.Debug().Str("key", key).Msg("etcd keepalive stopped")
	}()
	return nil
}

// Deregister removes a service instance from etcd and revokes its lease.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(serviceName string, addr string) error {
	ctx, cancel := context.WithTimeout(r.ctx, etcdRequestTimeout)
	defer cancel()
	key := etcdKey(serviceName, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}

	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			logx.Log.Warn().Err(err).Str("key", key).Msg("etcd lease revoke failed")
		}
	}
	return nil
}

// Watch monitors a service prefix in etcd and emits updated instance lists
// whenever changes occur (new registrations, deregistrations, lease expirations).
//
// Uses etcd's Watch API (server-push), which is more efficient than polling.
func (r *EtcdRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := etcdPrefix + serviceName + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(r.ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// On any change, re-fetch the full instance list
			// (simpler than parsing individual watch events)
			instances, err := r.Discover(serviceName)
			if err != nil {
				logx.Log.Warn().Err(err).Str("service", serviceName).Msg("etcd rediscovery failed")
				continue
			}
			select {
			case ch <- instances:
			case <-r.ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(r.ctx, etcdRequestTimeout)
	defer cancel()

	resp, err := r.client.Get(ctx, etcdPrefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			logx.Log.Warn().Str("key", string(kv.Key)).Msg("skipping malformed etcd registry entry")
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops keepalives and watches and closes the etcd client.
// Leases of still registered instances expire on their own.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
