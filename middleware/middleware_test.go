package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"duplex-rpc/logging/testlog"
	"duplex-rpc/message"
	"duplex-rpc/queue"

	"github.com/go-playground/assert/v2"
)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, args json.RawMessage) (any, error) {
	return "ok", nil
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, args json.RawMessage) (any, error) {
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
	}
	return "ok", nil
}

type tempErr struct{}

func (tempErr) Error() string   { return "backend busy" }
func (tempErr) Temporary() bool { return true }

func TestLogging(t *testing.T) {
	testlog.Start(t)
	handler := LoggingMiddleware()(echoHandler)

	val, err := handler(context.Background(), nil)
	if err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	assert.Equal(t, "ok", val)
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	if _, err := handler(context.Background(), nil); err != nil {
		t.Fatalf("expect no error, got '%v'", err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	_, err := handler(context.Background(), nil)
	if !queue.IsValidation(err) || err.Error() != ErrTextTimedOut {
		t.Fatalf("expect timeout error, got '%v'", err)
	}
}

// replySink 收集队列发出的所有 Reply
type replySink struct {
	mu      sync.Mutex
	replies map[uint64]message.Reply
}

func (r *replySink) Flush(p *message.Packet) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reply := range p.Replies {
		r.replies[reply.ID] = reply
	}
	return true
}

func (r *replySink) get(id uint64) (message.Reply, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reply, ok := r.replies[id]
	return reply, ok
}

func (r *replySink) wait(t *testing.T, ids ...uint64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		n := 0
		for _, id := range ids {
			if _, ok := r.replies[id]; ok {
				n++
			}
		}
		r.mu.Unlock()
		if n == len(ids) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for replies %v", ids)
}

func newSinkQueue(t *testing.T) (*queue.Queue, *replySink) {
	sink := &replySink{replies: make(map[uint64]message.Reply)}
	cfg := queue.DefaultConfig()
	cfg.FlushDelay = 5 * time.Millisecond
	q := queue.New(sink, cfg)
	t.Cleanup(q.Close)
	return q, sink
}

func TestTimeoutHandlerPanic(t *testing.T) {
	testlog.Start(t)
	// handler 在超时中间件的 goroutine 里 panic，进程不能崩，调用方收到 "Error"
	q, sink := newSinkQueue(t)
	q.Use(TimeOutMiddleware(time.Second))
	q.Handle("boom", func(ctx context.Context, args json.RawMessage) (any, error) {
		panic("kaboom")
	})

	if err := q.ReceiveBytes([]byte(`{"T":"RPC","calls":[{"id":1,"fun":"boom","args":null}]}`)); err != nil {
		t.Fatalf("ReceiveBytes: %v", err)
	}
	sink.wait(t, 1)
	reply, _ := sink.get(1)
	if !reply.Failed() {
		t.Fatalf("expect failed reply, got %+v", reply)
	}
	assert.Equal(t, queue.GenericError, reply.ErrorText())

	direct, err := TimeOutMiddleware(time.Second)(func(ctx context.Context, args json.RawMessage) (any, error) {
		panic("kaboom")
	})(context.Background(), nil)
	if err == nil || queue.IsValidation(err) {
		t.Fatalf("expect plain error, got '%v'", err)
	}
	assert.Equal(t, nil, direct)
}

func TestTimeoutKeepsCallsSerial(t *testing.T) {
	testlog.Start(t)
	// 超时 20ms，handler 忽略 ctx 睡 200ms；超时后下一个调用也不能和上一个并发
	q, sink := newSinkQueue(t)
	q.Use(TimeOutMiddleware(20 * time.Millisecond))
	var running, peak int32
	q.Handle("stubborn", func(ctx context.Context, args json.RawMessage) (any, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(200 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return "late", nil
	})

	packet := `{"T":"RPC","calls":[` +
		`{"id":1,"fun":"stubborn","args":null},` +
		`{"id":2,"fun":"stubborn","args":null},` +
		`{"id":3,"fun":"stubborn","args":null}]}`
	if err := q.ReceiveBytes([]byte(packet)); err != nil {
		t.Fatalf("ReceiveBytes: %v", err)
	}
	sink.wait(t, 1, 2, 3)

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
	for id := uint64(1); id <= 3; id++ {
		reply, _ := sink.get(id)
		assert.Equal(t, ErrTextTimedOut, reply.ErrorText())
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		if _, err := handler(context.Background(), nil); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}

	_, err := handler(context.Background(), nil)
	if err == nil || err.Error() != ErrTextRateLimited {
		t.Fatalf("request 3 should be rate limited, got: '%v'", err)
	}
}

func TestRetryTransient(t *testing.T) {
	testlog.Start(t)
	var attempts int32
	flaky := func(ctx context.Context, args json.RawMessage) (any, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, tempErr{}
		}
		return "ok", nil
	}

	val, err := RetryMiddleware(3, time.Millisecond)(flaky)(context.Background(), nil)
	if err != nil {
		t.Fatalf("expect success after retries, got %v", err)
	}
	assert.Equal(t, "ok", val)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestRetrySkipsPermanent(t *testing.T) {
	var attempts int32
	failing := func(ctx context.Context, args json.RawMessage) (any, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, queue.Reject("bad input")
	}
	_, err := RetryMiddleware(3, time.Millisecond)(failing)(context.Background(), nil)
	assert.Equal(t, "bad input", err.Error())
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))

	if retryable(errors.New("plain")) {
		t.Fatal("plain errors are not retryable")
	}
	if !retryable(context.DeadlineExceeded) {
		t.Fatal("deadline should be retryable")
	}
}

func TestChain(t *testing.T) {
	// 用 Chain 组合 Logging + Timeout，验证请求能正常穿过
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, args json.RawMessage) (any, error) {
				order = append(order, name)
				return next(ctx, args)
			}
		}
	}
	chained := Chain(mark("a"), LoggingMiddleware(), TimeOutMiddleware(500*time.Millisecond), mark("b"))
	handler := chained(echoHandler)

	val, err := handler(context.Background(), nil)
	if err != nil {
		t.Fatalf("expect no error, got '%v'", err)
	}
	assert.Equal(t, "ok", val)
	assert.Equal(t, []string{"a", "b"}, order)
}
