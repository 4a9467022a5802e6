package loadbalance

import (
	"math/rand"

	"highway-rpc/registry"
)

// WeightedRandomBalancer picks instances with probability proportional to Weight.
// A weight of 0 or less counts as 1 so unweighted registrations still receive traffic.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(_ string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, noInstances()
	}

	totalWeight := 0
	for _, v := range instances {
		totalWeight += weightOf(v)
	}

	// A random point in [0, totalWeight) lands inside exactly one instance's span.
	r := rand.Intn(totalWeight)
	for i := range instances {
		r -= weightOf(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func weightOf(inst registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
