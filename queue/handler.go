package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"

	"duplex-rpc/message"
)

// HandlerFunc serves one inbound Call. The returned value becomes the Reply's
// val; a returned error becomes its error (see Acknowledge).
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Middleware wraps a HandlerFunc. Chained in registration order:
// Use(A, B) runs A.before → B.before → handler → B.after → A.after.
type Middleware func(next HandlerFunc) HandlerFunc

// CallInfo identifies the inbound Call a handler is serving.
type CallInfo struct {
	ID  uint64
	Fun string
}

type callKey struct{}
type boundKey struct{}

// CallFromContext returns the Call being served, if any.
func CallFromContext(ctx context.Context) (CallInfo, bool) {
	info, ok := ctx.Value(callKey{}).(CallInfo)
	return info, ok
}

// BoundContext returns the object installed with BindContext.
func BoundContext(ctx context.Context) any {
	return ctx.Value(boundKey{})
}

// Handle maps an operation name to fn, replacing any previous entry.
func (q *Queue) Handle(name string, fn HandlerFunc) {
	q.hmu.Lock()
	q.handlers[name] = fn
	q.hmu.Unlock()
}

// Use appends handler middlewares.
func (q *Queue) Use(mws ...Middleware) {
	q.hmu.Lock()
	q.middlewares = append(q.middlewares, mws...)
	q.hmu.Unlock()
}

// BindContext sets the object every handler observes through BoundContext.
func (q *Queue) BindContext(obj any) {
	q.hmu.Lock()
	q.bound = obj
	q.hmu.Unlock()
}

// Operations lists the mapped operation names, sorted.
func (q *Queue) Operations() []string {
	q.hmu.RLock()
	defer q.hmu.RUnlock()
	names := make([]string, 0, len(q.handlers))
	for name := range q.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReceiveBytes decodes one frame and queues it for dispatch. A frame that is
// not an RPC packet yields ErrInvalidEnvelope.
func (q *Queue) ReceiveBytes(data []byte) error {
	p, err := q.codec.Decode(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return q.ReceivePacket(p)
}

// ReceivePacket validates the envelope and queues the packet for the dispatch
// goroutine. It blocks while the inbox is full.
func (q *Queue) ReceivePacket(p *message.Packet) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if q.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case q.inbox <- inboxItem{packet: p}:
		return nil
	case <-q.ctx.Done():
		return ErrClosed
	}
}

// inboxItem is either a received packet or a reset marker.
type inboxItem struct {
	packet *message.Packet
	reset  *resetMark
}

type resetMark struct {
	ids []uint64
	err error
}

func (q *Queue) dispatchLoop() {
	for {
		select {
		case item := <-q.inbox:
			if item.reset != nil {
				q.rejectSent(item.reset)
				continue
			}
			q.process(item.packet)
		case <-q.ctx.Done():
			return
		}
	}
}

// process serves the packet's Calls in order, then settles its Replies.
func (q *Queue) process(p *message.Packet) {
	for _, call := range p.Calls {
		if q.ctx.Err() != nil {
			return
		}
		q.serve(call)
	}
	for _, reply := range p.Replies {
		q.settleReply(reply)
	}
}

func (q *Queue) serve(call message.Call) {
	q.mu.Lock()
	q.stats.HandledCalls++
	q.mu.Unlock()

	if !call.HasValidFun() {
		q.Acknowledge(call.ID, nil, Reject(ErrTextFunNotString))
		return
	}

	q.hmu.RLock()
	fn, ok := q.handlers[call.Fun]
	mws := q.middlewares
	bound := q.bound
	q.hmu.RUnlock()

	if !ok {
		q.log.Warn().Str("fun", call.Fun).Uint64("id", call.ID).Msg("unmapped call")
		q.Acknowledge(call.ID, nil, Reject(ErrTextFunNotMapped))
		return
	}
	for i := len(mws) - 1; i >= 0; i-- {
		fn = mws[i](fn)
	}

	ctx := context.WithValue(q.ctx, callKey{}, CallInfo{ID: call.ID, Fun: call.Fun})
	ctx = context.WithValue(ctx, boundKey{}, bound)
	val, err := q.runHandler(ctx, fn, call)
	q.Acknowledge(call.ID, val, err)
}

func (q *Queue) runHandler(ctx context.Context, fn HandlerFunc, call message.Call) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().
				Str("fun", call.Fun).
				Uint64("id", call.ID).
				Bytes("stack", debug.Stack()).
				Msgf("handler panic: %v", r)
			val, err = nil, fmt.Errorf("queue: handler %q panicked: %v", call.Fun, r)
		}
	}()
	return fn(ctx, call.Args)
}

func (q *Queue) settleReply(reply message.Reply) {
	q.mu.Lock()
	inv, ok := q.pending[reply.ID]
	if ok {
		delete(q.pending, reply.ID)
	} else {
		q.stats.DroppedReplies++
	}
	q.mu.Unlock()

	if !ok {
		q.log.Warn().Uint64("id", reply.ID).Msg("reply for unknown call dropped")
		return
	}
	if reply.Failed() {
		inv.settle(nil, &RemoteError{ID: inv.ID, Fun: inv.Fun, Message: reply.ErrorText()})
		return
	}
	inv.settle(reply.Val, nil)
}
