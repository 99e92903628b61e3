// Package loadbalance picks the endpoint a client connects to when a service
// has several registered instances.
//
// Strategies:
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Keyed affinity; Affinity adapts it to Balancer so a
//     client keeps reconnecting to the same instance
package loadbalance

import (
	"errors"
	"fmt"
	"strings"

	"duplex-rpc/registry"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each connection attempt.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// ByName builds a balancer from its config name. affinityKey is only used by
// "consistent-hash".
func ByName(name, affinityKey string) (Balancer, error) {
	switch strings.ToLower(name) {
	case "", "round-robin", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "weighted-random", "weightedrandom":
		return &WeightedRandomBalancer{}, nil
	case "consistent-hash", "consistenthash", "affinity":
		return NewAffinityBalancer(affinityKey), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
