package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"highway-rpc/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes),
// providing cache affinity for stateful services or local caches.
//
// Each real instance is mapped to N virtual nodes on the ring so a handful of
// instances still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// The ring is rebuilt whenever Pick sees a different instance set.
type ConsistentHashBalancer struct {
	replicas int // Virtual nodes per real instance

	mu        sync.Mutex
	signature string                               // Sorted addresses the ring was built from
	ring      []uint32                             // Sorted hash values on the ring
	nodes     map[uint32]*registry.ServiceInstance // Hash value → instance mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.ServiceInstance),
	}
}

// add places an instance onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}".
func (b *ConsistentHashBalancer) add(instance *registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
}

func (b *ConsistentHashBalancer) rebuild(instances []registry.ServiceInstance) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	sig := strings.Join(addrs, ",")
	if sig == b.signature && len(b.ring) > 0 {
		return
	}

	b.signature = sig
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]*registry.ServiceInstance, len(instances)*b.replicas)
	for i := range instances {
		inst := instances[i]
		b.add(&inst)
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick finds the instance responsible for key: the first node clockwise from the
// key's hash, wrapping around past the largest node.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, noInstances()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(instances)

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	picked := *b.nodes[b.ring[idx]]
	return &picked, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
