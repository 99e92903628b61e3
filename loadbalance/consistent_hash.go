package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"duplex-rpc/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes).
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring
// so a few instances do not cluster together.
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
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int
	ring     []uint32
	nodes    map[uint32]*registry.ServiceInstance
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		ring:     []uint32{},
		nodes:    make(map[uint32]*registry.ServiceInstance),
	}
}

// Add places an instance onto the hash ring with N virtual nodes hashed from
// "{addr}#{i}".
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Reset empties the ring.
func (b *ConsistentHashBalancer) Reset() {
	b.mu.Lock()
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]*registry.ServiceInstance)
	b.mu.Unlock()
}

// Pick finds the first node clockwise from the key's hash, wrapping around.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.ServiceInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// AffinityBalancer is a Balancer that always hashes the same key, so one
// client lands on the same instance across reconnects while the instance set
// is stable. The ring is rebuilt when the set changes.
type AffinityBalancer struct {
	key  string
	ring *ConsistentHashBalancer

	mu  sync.Mutex
	sig string
}

func NewAffinityBalancer(key string) *AffinityBalancer {
	return &AffinityBalancer{key: key, ring: NewConsistentHashBalancer()}
}

func (b *AffinityBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	sig := strings.Join(addrs, ",")

	b.mu.Lock()
	if sig != b.sig {
		b.ring.Reset()
		for i := range instances {
			inst := instances[i]
			b.ring.Add(&inst)
		}
		b.sig = sig
	}
	b.mu.Unlock()

	picked, err := b.ring.Pick(b.key)
	if err != nil {
		return nil, err
	}
	out := *picked
	return &out, nil
}

func (b *AffinityBalancer) Name() string {
	return "Affinity"
}
