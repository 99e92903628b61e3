package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"duplex-rpc/logging/testlog"
	"duplex-rpc/message"
	"duplex-rpc/protocol"
	"duplex-rpc/queue"

	"github.com/go-playground/assert/v2"
)

func streamQueue(t *testing.T, conn net.Conn) (*queue.Queue, *StreamTransport) {
	t.Helper()
	st := NewStreamTransport(conn, 50*time.Millisecond)
	q := queue.New(st, queue.Config{FlushDelay: time.Millisecond})
	st.Start(q)
	t.Cleanup(func() {
		st.Close()
		q.Close()
	})
	return q, st
}

// 测试 net.Pipe 两端互相调用
func TestStreamTransportRoundTrip(t *testing.T) {
	testlog.Start(t)
	left, right := net.Pipe()
	a, _ := streamQueue(t, left)
	b, _ := streamQueue(t, right)

	b.Handle("add", func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct{ A, B int }
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, queue.Reject("Invalid args")
		}
		return in.A + in.B, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	cases := []struct {
		a, b, expect int
	}{
		{1, 2, 3},
		{10, 20, 30},
		{100, 200, 300},
	}
	for _, c := range cases {
		var sum int
		if err := a.Call(ctx, "add", map[string]int{"A": c.a, "B": c.b}, &sum); err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, c.expect, sum)
	}
}

func TestStreamTransportHeartbeatKeepsAlive(t *testing.T) {
	testlog.Start(t)
	left, right := net.Pipe()
	_, sa := streamQueue(t, left)
	_, sb := streamQueue(t, right)

	// idle for several read deadlines; heartbeats must keep both ends up
	time.Sleep(300 * time.Millisecond)
	select {
	case <-sa.Done():
		t.Fatal("left end closed while idle")
	case <-sb.Done():
		t.Fatal("right end closed while idle")
	default:
	}
}

func TestStreamTransportCloseResetsPeer(t *testing.T) {
	testlog.Start(t)
	left, right := net.Pipe()
	a, sa := streamQueue(t, left)
	b, sb := streamQueue(t, right)

	started := make(chan struct{})
	release := make(chan struct{})
	b.Handle("hang", func(ctx context.Context, args json.RawMessage) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	defer close(release)

	closed := make(chan error, 1)
	sa.OnClose(func(err error) { closed <- err })

	inv := a.Invoke(context.Background(), "hang", nil)
	<-started
	sb.Close()

	_, err := inv.Wait(context.Background())
	if !errors.Is(err, queue.ErrConnectionReset) {
		t.Fatalf("expect connection reset, got %v", err)
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
	if sa.Flush(nil) {
		t.Fatal("flush after close must fail")
	}
}

func TestStreamTransportInvalidEnvelopeCloses(t *testing.T) {
	testlog.Start(t)
	left, right := net.Pipe()
	_, sa := streamQueue(t, left)
	defer right.Close()

	go protocol.EncodePacket(right, protocol.CodecTypeJSON, []byte(`{"T":"HELLO"}`))

	select {
	case <-sa.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream should close on an invalid envelope")
	}
}

// 对端不读：写超时后 Flush 失败并关闭 stream，而不是永久阻塞
func TestStreamTransportWriteTimeout(t *testing.T) {
	testlog.Start(t)
	left, right := net.Pipe()
	defer right.Close()

	st := NewStreamTransport(left, 0)
	st.SetWriteTimeout(50 * time.Millisecond)
	defer st.Close()

	p := message.NewPacket()
	p.Calls = append(p.Calls, message.Call{ID: 1, Fun: "echo"})

	start := time.Now()
	if st.Flush(p) {
		t.Fatal("flush to a stalled peer must fail")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("flush blocked for %v", elapsed)
	}
	select {
	case <-st.Done():
	case <-time.After(time.Second):
		t.Fatal("stream should close after a write timeout")
	}
}
