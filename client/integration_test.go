package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"duplex-rpc/loadbalance"
	"duplex-rpc/middleware"
	"duplex-rpc/registry"
	"duplex-rpc/server"
	"duplex-rpc/transport"
)

func newTestEtcd(t *testing.T) *registry.EtcdRegistry {
	t.Helper()
	reg, err := registry.NewEtcdRegistry([]string{"127.0.0.1:2379"}, time.Second)
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

// advertisedServer starts a server and advertises it under service.
func advertisedServer(t *testing.T, reg registry.Registry, service string) *server.Server {
	t.Helper()
	svr, err := server.NewServer(server.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	svr.Use(middleware.LoggingMiddleware())
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(svr)
	t.Cleanup(ts.Close)
	inst := registry.ServiceInstance{Addr: ts.Listener.Addr().String(), URL: ts.URL, Weight: 10}
	if err := svr.Advertise(reg, service, inst, 10); err != nil {
		t.Fatalf("Advertise: %v", err)
	}
	t.Cleanup(func() { svr.Shutdown(3 * time.Second) })
	return svr
}

// 完整端到端测试
// 链路: Client → Registry(etcd) → LB → websocket → Queue → Middleware → Server → 反射调用
func TestFullIntegrationWithEtcd(t *testing.T) {
	reg := newTestEtcd(t)
	advertisedServer(t, reg, "arith-it")

	settings := testSettings(RegistryEndpoint(reg, &loadbalance.RoundRobinBalancer{}, "arith-it"))
	cli, err := New(settings)
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	var sum int
	if err := cli.Call(timeout(t), "add", Args{A: 3, B: 5}, &sum); err != nil {
		t.Fatalf("Call add failed: %v", err)
	}
	if sum != 8 {
		t.Fatalf("add: expect 8, got %d", sum)
	}
}

// 多实例 + 负载均衡 + etcd
func TestMultiServerWithEtcd(t *testing.T) {
	reg := newTestEtcd(t)
	svr1 := advertisedServer(t, reg, "arith-multi")
	svr2 := advertisedServer(t, reg, "arith-multi")

	bal := &loadbalance.RoundRobinBalancer{}
	endpoint := RegistryEndpoint(reg, bal, "arith-multi")
	for i := 1; i <= 4; i++ {
		cli, err := New(testSettings(endpoint))
		if err != nil {
			t.Fatal(err)
		}
		var sum int
		if err := cli.Call(timeout(t), "add", Args{A: i, B: i * 10}, &sum); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if sum != i+i*10 {
			t.Fatalf("request %d: expect %d, got %d", i, i+i*10, sum)
		}
		// keep the socket open so both servers end up with clients
		t.Cleanup(func() { cli.Close() })
	}
	if len(svr1.Sockets()) == 0 || len(svr2.Sockets()) == 0 {
		t.Fatalf("sockets not spread: %d / %d", len(svr1.Sockets()), len(svr2.Sockets()))
	}

	// a shut down server is no longer discovered
	svr1.Shutdown(3 * time.Second)
	instances, err := reg.Discover("arith-multi")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expected 1 instance after shutdown, got %d", len(instances))
	}
	ep, err := endpoint(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want, _ := transport.EndpointFor(instances[0].URL)
	if ep != want {
		t.Fatalf("endpoint %v, want %v", ep, want)
	}
}
