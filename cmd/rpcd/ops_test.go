package main

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"duplex-rpc/client"
	"duplex-rpc/logging/testlog"
	"duplex-rpc/queue"
	"duplex-rpc/server"
	"duplex-rpc/transport"

	"github.com/go-playground/assert/v2"
)

func startRPCD(t *testing.T) (*server.Server, *client.Client) {
	t.Helper()
	testlog.Start(t)
	svr, err := server.NewServer(server.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	installOps(svr)
	ts := httptest.NewServer(svr)

	settings := client.DefaultSettings()
	settings.Transport.Endpoint = transport.StaticEndpoint(ts.URL)
	settings.ConnectNow = true
	cli, err := client.New(settings)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cli.Close()
		svr.Shutdown(time.Second)
		ts.Close()
	})
	return svr, cli
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEchoAndWhoami(t *testing.T) {
	_, cli := startRPCD(t)

	var echoed map[string]int
	if err := cli.Call(ctxT(t), "echo", map[string]int{"n": 1}, &echoed); err != nil {
		t.Fatalf("echo: %v", err)
	}
	assert.Equal(t, 1, echoed["n"])

	id, err := cli.WaitSocketID(ctxT(t))
	if err != nil {
		t.Fatal(err)
	}
	var who whoamiReply
	if err := cli.Call(ctxT(t), "whoami", nil, &who); err != nil {
		t.Fatalf("whoami: %v", err)
	}
	assert.Equal(t, id, who.Socket)
	if who.Session == "" {
		t.Fatalf("whoami has no session")
	}
}

func TestLogin(t *testing.T) {
	_, cli := startRPCD(t)

	err := cli.Call(ctxT(t), "login", loginArgs{User: "  "}, nil)
	msg, _ := queue.RemoteMessage(err)
	assert.Equal(t, "user is required", msg)

	if err := cli.Call(ctxT(t), "login", loginArgs{User: "ada"}, nil); err != nil {
		t.Fatalf("login: %v", err)
	}
	var who whoamiReply
	if err := cli.Call(ctxT(t), "whoami", nil, &who); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "ada", who.User)
}

func TestBroadcastOp(t *testing.T) {
	_, cli := startRPCD(t)
	notices := make(chan string, 1)
	cli.Handle("notice", func(ctx context.Context, args json.RawMessage) (any, error) {
		var text string
		json.Unmarshal(args, &text)
		notices <- text
		return nil, nil
	})

	var n int
	if err := cli.Call(ctxT(t), "broadcast", "hello", &n); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	assert.Equal(t, 1, n)
	select {
	case text := <-notices:
		assert.Equal(t, "hello", text)
	case <-time.After(2 * time.Second):
		t.Fatal("notice not received")
	}

	var stats statsReply
	if err := cli.Call(ctxT(t), "stats", nil, &stats); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 1, stats.Sockets)
	assert.Equal(t, 1, stats.Sessions)
}
