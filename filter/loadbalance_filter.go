package filter

import (
	"context"
	"fmt"

	"highway-rpc/executor"
	"highway-rpc/invocation"
	"highway-rpc/loadbalance"
)

type loadBalanceFilter struct {
	instances *loadbalance.InstanceCache
	balancer  loadbalance.Balancer
	pool      *executor.WorkerPool
}

// LoadBalanceFilter picks the target endpoint of consumer invocations that have none.
// Cached instances are picked from in place; a cache miss discovers on pool and
// the chain resumes on the caller.
func LoadBalanceFilter(instances *loadbalance.InstanceCache, bal loadbalance.Balancer, pool *executor.WorkerPool) Filter {
	return loadBalanceFilter{instances: instances, balancer: bal, pool: pool}
}

func (loadBalanceFilter) Name() string  { return "load-balance" }
func (loadBalanceFilter) Priority() int { return PriorityLoadBalance }

func (f loadBalanceFilter) OnFilter(_ context.Context, inv *invocation.Invocation, next Next, reply Reply) {
	if inv.Endpoint != "" || f.instances == nil {
		next(nil)
		return
	}
	service := inv.Operation.Service
	key := affinityKey(inv)
	if cached, ok := f.instances.Cached(service); ok {
		inst, err := f.balancer.Pick(key, cached)
		if err != nil {
			reply(invocation.Failure(err))
			return
		}
		inv.Endpoint = inst.Addr
		next(nil)
		return
	}
	executor.Offload(f.pool, inv.Caller, func() (string, error) {
		return f.instances.Resolve(f.balancer, service, key)
	}, func(addr string, err error) {
		if err != nil {
			reply(invocation.Failure(err))
			return
		}
		inv.Endpoint = addr
		next(nil)
	})
}

// affinityKey is the explicit hash key if set, otherwise the first argument.
func affinityKey(inv *invocation.Invocation) string {
	if k := inv.Attachment(HashKeyKey); k != "" {
		return k
	}
	if len(inv.Args) > 0 && inv.Args[0] != nil {
		return fmt.Sprint(inv.Args[0])
	}
	return inv.Name()
}
