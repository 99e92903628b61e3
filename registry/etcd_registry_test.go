package registry

import (
	"testing"
	"time"
)

// newTestEtcd connects to a local etcd or skips the test.
func newTestEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"}, time.Second)
	if err != nil {
		t.Skipf("etcd client: %v", err)
	}
	if err := reg.Ping(time.Second); err != nil {
		reg.Close()
		t.Skipf("etcd not reachable: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg := newTestEtcd(t)

	// Register two instances
	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", URL: "http://127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", URL: "http://127.0.0.1:8002", Weight: 5, Version: "1.0"}

	if err := reg.Register("wiki-test", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("wiki-test", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover("wiki-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister("wiki-test", inst1.Addr); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)

	instances, err = reg.Discover("wiki-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}
	if instances[0].URL != inst2.URL {
		t.Fatalf("expect %s, got %s", inst2.URL, instances[0].URL)
	}

	// Cleanup
	reg.Deregister("wiki-test", inst2.Addr)
}

func TestEtcdWatch(t *testing.T) {
	reg := newTestEtcd(t)
	ch := reg.Watch("wiki-watch")
	time.Sleep(100 * time.Millisecond)

	inst := ServiceInstance{Addr: "127.0.0.1:9001", URL: "http://127.0.0.1:9001"}
	if err := reg.Register("wiki-watch", inst, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister("wiki-watch", inst.Addr)

	select {
	case list := <-ch:
		if len(list) != 1 || list[0].Addr != inst.Addr {
			t.Fatalf("unexpected watch list: %+v", list)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no watch event")
	}
}
