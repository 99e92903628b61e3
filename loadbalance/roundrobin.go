package loadbalance

import (
	"sync/atomic"

	"duplex-rpc/registry"
)

// RoundRobinBalancer distributes connection attempts evenly across all
// instances in order. Lock-free via an atomic counter.
type RoundRobinBalancer struct {
	counter int64
}

func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
