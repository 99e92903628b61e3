package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Invocation is the local record of one outbound Call. It settles exactly once,
// with the Reply value, a *RemoteError, or a local error (reset, deadline,
// cancellation, close).
type Invocation struct {
	ID      uint64
	Fun     string
	Created time.Time

	sent bool // guarded by Queue.mu

	once    sync.Once
	done    chan struct{}
	val     json.RawMessage
	err     error
	timer   *time.Timer
	stopCtx func() bool
}

func newInvocation(fun string) *Invocation {
	return &Invocation{
		Fun:     fun,
		Created: time.Now(),
		done:    make(chan struct{}),
	}
}

// Done is closed once the invocation is settled.
func (inv *Invocation) Done() <-chan struct{} {
	return inv.done
}

// Result returns the settled outcome. Before Done is closed it returns (nil, nil).
func (inv *Invocation) Result() (json.RawMessage, error) {
	select {
	case <-inv.done:
		return inv.val, inv.err
	default:
		return nil, nil
	}
}

// Wait blocks until the invocation settles or ctx ends. A ctx ending here does
// not settle the invocation.
func (inv *Invocation) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-inv.done:
		return inv.val, inv.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode waits and unmarshals the value into reply (nil reply discards it).
func (inv *Invocation) Decode(ctx context.Context, reply any) error {
	val, err := inv.Wait(ctx)
	if err != nil {
		return err
	}
	if reply == nil || len(val) == 0 {
		return nil
	}
	return json.Unmarshal(val, reply)
}

func (inv *Invocation) settle(val json.RawMessage, err error) bool {
	settled := false
	inv.once.Do(func() {
		inv.val = val
		inv.err = err
		if inv.timer != nil {
			inv.timer.Stop()
		}
		if inv.stopCtx != nil {
			inv.stopCtx()
		}
		close(inv.done)
		settled = true
	})
	return settled
}
