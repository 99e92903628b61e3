// Package registry advertises duplex-rpc endpoints so clients can find a server.
package registry

import (
	"errors"
	"sort"
	"sync"
)

var ErrNoInstances = errors.New("registry: no instances")

// ServiceInstance is one advertised endpoint.
type ServiceInstance struct {
	Addr    string `json:"addr"`              // unique per service, e.g. "10.0.0.5:8080"
	URL     string `json:"url,omitempty"`     // websocket base URL, e.g. "http://10.0.0.5:8080"
	Stream  string `json:"stream,omitempty"`  // TCP address for stream peers, if served
	Weight  int    `json:"weight,omitempty"`  // Weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	Watch(serviceName string) <-chan []ServiceInstance
	Close() error
}

// MemoryRegistry is an in-process Registry. TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance
	watchers map[string][]chan []ServiceInstance
	closed   bool
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

func (r *MemoryRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	if instance.Addr == "" {
		return errors.New("registry: instance has no addr")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[serviceName] == nil {
		r.services[serviceName] = make(map[string]ServiceInstance)
	}
	r.services[serviceName][instance.Addr] = instance
	r.notifyLocked(serviceName)
	return nil
}

func (r *MemoryRegistry) Deregister(serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[serviceName], addr)
	r.notifyLocked(serviceName)
	return nil
}

func (r *MemoryRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(serviceName), nil
}

// Watch emits the full instance list after every change.
func (r *MemoryRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(ch)
		return ch
	}
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	return ch
}

func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, chans := range r.watchers {
		for _, ch := range chans {
			close(ch)
		}
	}
	r.watchers = nil
	return nil
}

func (r *MemoryRegistry) listLocked(serviceName string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(r.services[serviceName]))
	for _, inst := range r.services[serviceName] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].Addr < instances[j].Addr
	})
	return instances
}

// notifyLocked replaces any unread update with the latest list.
func (r *MemoryRegistry) notifyLocked(serviceName string) {
	if r.closed {
		return
	}
	list := r.listLocked(serviceName)
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
