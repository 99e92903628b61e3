// Package queue implements the packet multiplexer: it batches outbound Calls
// and Replies into packets, hands them to a Flusher, retries failed flushes,
// matches inbound Replies to pending Invocations and dispatches inbound Calls to
// the capability table.
//
// Outbound pipeline:
//
//	Invoke / Acknowledge → buffers → (FlushDelay timer) → Flusher.Flush(packet)
//	  ok   → flushed prefix removed, backoff reset
//	  fail → buffers kept, retry armed with backoff (Wake short-circuits it)
//
// Inbound pipeline:
//
//	ReceiveBytes → validate envelope → dispatch goroutine (FIFO)
//	  → each Call: handler → Acknowledge
//	  → each Reply: settle pending Invocation
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"duplex-rpc/codec"
	"duplex-rpc/message"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Flusher delivers one packet. It reports false when the packet could not be
// handed to the channel; the queue then keeps the packet's items and retries.
type Flusher interface {
	Flush(p *message.Packet) bool
}

// FlushFunc adapts a function to Flusher.
type FlushFunc func(p *message.Packet) bool

func (f FlushFunc) Flush(p *message.Packet) bool {
	return f(p)
}

type Config struct {
	FlushDelay      time.Duration // coalesce window after the first enqueue
	CallTimeout     time.Duration // 0 disables the per-call deadline
	RetryInitial    time.Duration
	RetryMultiplier float64
	RetryMax        time.Duration
	InboxSize       int
	Logger          *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		FlushDelay:      time.Millisecond,
		CallTimeout:     30 * time.Second,
		RetryInitial:    50 * time.Millisecond,
		RetryMultiplier: 2,
		RetryMax:        2 * time.Second,
		InboxSize:       64,
	}
}

// Stats is a snapshot of queue counters.
type Stats struct {
	NextID          uint64
	Pending         int
	PendingSent     int
	BufferedCalls   int
	BufferedReplies int
	Flushes         uint64
	FailedFlushes   uint64
	DroppedReplies  uint64
	HandledCalls    uint64
	OldestPending   time.Duration
}

type Queue struct {
	cfg     Config
	flusher Flusher
	codec   codec.Codec
	log     zerolog.Logger

	mu       sync.Mutex
	nextID   uint64
	calls    []message.Call
	replies  []message.Reply
	pending  map[uint64]*Invocation
	timer    *time.Timer
	timerGen uint64
	attempt  int
	closed   bool
	stats    Stats

	inFlight    bool
	flightReset error // Reset seen while a flush was in flight

	flushMu sync.Mutex // serializes flush attempts

	hmu         sync.RWMutex
	handlers    map[string]HandlerFunc
	middlewares []Middleware
	bound       any

	inbox     chan inboxItem
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates a queue flushing to flusher and starts its dispatch goroutine.
// Zero fields in cfg take DefaultConfig values, except CallTimeout where zero
// disables the deadline.
func New(flusher Flusher, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = def.FlushDelay
	}
	if cfg.CallTimeout < 0 {
		cfg.CallTimeout = 0
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMultiplier < 1 {
		cfg.RetryMultiplier = def.RetryMultiplier
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}

	logger := log.With().Str("component", "queue").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:      cfg,
		flusher:  flusher,
		codec:    codec.GetCodec(codec.CodecTypeJSON),
		log:      logger,
		pending:  make(map[uint64]*Invocation),
		handlers: make(map[string]HandlerFunc),
		inbox:    make(chan inboxItem, cfg.InboxSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	go q.dispatchLoop()
	return q
}

// SetFlusher replaces the flusher. Used when the channel is built after the queue.
func (q *Queue) SetFlusher(f Flusher) {
	q.flushMu.Lock()
	q.flusher = f
	q.flushMu.Unlock()
}

// Invoke enqueues a Call and returns its Invocation. It never fails
// synchronously: encode errors and a closed queue settle the Invocation at once.
// Cancelling ctx settles the Invocation with ctx.Err().
func (q *Queue) Invoke(ctx context.Context, fun string, args any) *Invocation {
	inv := newInvocation(fun)
	raw, err := encodeJSON(args)
	if err != nil {
		inv.settle(nil, fmt.Errorf("queue: encode args for %q: %w", fun, err))
		return inv
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		inv.settle(nil, ErrClosed)
		return inv
	}
	q.nextID++
	inv.ID = q.nextID
	q.pending[inv.ID] = inv
	q.calls = append(q.calls, message.Call{ID: inv.ID, Fun: fun, Args: raw})

	id := inv.ID
	if q.cfg.CallTimeout > 0 {
		inv.timer = time.AfterFunc(q.cfg.CallTimeout, func() {
			q.expire(id, ErrDeadlineExceeded)
		})
	}
	if ctx != nil && ctx.Done() != nil {
		inv.stopCtx = context.AfterFunc(ctx, func() {
			q.expire(id, ctx.Err())
		})
	}
	q.armLocked(q.cfg.FlushDelay)
	return inv
}

// Call invokes fun and decodes the reply value into reply.
func (q *Queue) Call(ctx context.Context, fun string, args, reply any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return q.Invoke(ctx, fun, args).Decode(ctx, reply)
}

// Acknowledge enqueues the Reply to inbound Call id. A ValidationError travels
// verbatim; any other error is logged and replaced by GenericError.
func (q *Queue) Acknowledge(id uint64, val any, err error) {
	reply := q.buildReply(id, val, err)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.replies = append(q.replies, reply)
	q.armLocked(q.cfg.FlushDelay)
}

func (q *Queue) buildReply(id uint64, val any, err error) message.Reply {
	if err != nil {
		var verr ValidationError
		if errors.As(err, &verr) {
			return message.NewErrorReply(id, string(verr))
		}
		q.log.Error().Err(err).Uint64("id", id).Msg("call failed")
		return message.NewErrorReply(id, GenericError)
	}
	raw, encErr := encodeJSON(val)
	if encErr != nil {
		q.log.Error().Err(encErr).Uint64("id", id).Msg("encode reply value")
		return message.NewErrorReply(id, GenericError)
	}
	return message.NewValueReply(id, raw)
}

// Flush composes the buffered items into one packet and hands it to the
// flusher now. It reports whether the buffers are empty afterwards.
func (q *Queue) Flush() bool {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.calls) == 0 && len(q.replies) == 0 {
		q.mu.Unlock()
		return true
	}
	// abandoned calls (cancelled, expired) are not sent
	live := q.calls[:0]
	for _, c := range q.calls {
		if _, ok := q.pending[c.ID]; ok {
			live = append(live, c)
		}
	}
	q.calls = live
	if len(q.calls) == 0 && len(q.replies) == 0 {
		q.mu.Unlock()
		return true
	}
	p := message.NewPacket()
	p.Calls = append(p.Calls, q.calls...)
	p.Replies = append(p.Replies, q.replies...)
	flusher := q.flusher
	q.inFlight = true
	q.flightReset = nil
	q.mu.Unlock()

	ok := flusher != nil && flusher.Flush(p)

	q.mu.Lock()
	flightReset := q.flightReset
	q.inFlight = false
	q.flightReset = nil
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if !ok {
		defer q.mu.Unlock()
		q.stats.FailedFlushes++
		q.attempt++
		delay := retryDelay(q.cfg, q.attempt)
		q.log.Debug().
			Int("calls", len(p.Calls)).
			Int("replies", len(p.Replies)).
			Dur("retry_in", delay).
			Msg("flush failed")
		q.stopTimerLocked()
		q.armLocked(delay)
		return false
	}

	q.stats.Flushes++
	q.attempt = 0
	q.calls = append([]message.Call(nil), q.calls[len(p.Calls):]...)
	q.replies = append([]message.Reply(nil), q.replies[len(p.Replies):]...)

	// a reset that raced with a successful write also covers this packet
	var rejected []*Invocation
	for _, c := range p.Calls {
		inv, found := q.pending[c.ID]
		if !found {
			continue
		}
		if flightReset != nil {
			delete(q.pending, c.ID)
			rejected = append(rejected, inv)
			continue
		}
		inv.sent = true
	}
	empty := len(q.calls) == 0 && len(q.replies) == 0
	if !empty {
		q.armLocked(q.cfg.FlushDelay)
	}
	q.mu.Unlock()

	for _, inv := range rejected {
		inv.settle(nil, flightReset)
	}
	return empty
}

// Wake retries a pending flush immediately, skipping the backoff wait.
// Transports call it when the channel opens.
func (q *Queue) Wake() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || (len(q.calls) == 0 && len(q.replies) == 0) {
		return
	}
	q.attempt = 0
	q.stopTimerLocked()
	q.armLocked(0)
}

// Reset rejects every pending Invocation whose Call already went out with err
// (ErrConnectionReset when nil). Unsent Calls stay buffered. The rejection is
// queued behind the packets already received, so a Reply that arrived before
// the reset still settles its Invocation.
func (q *Queue) Reset(err error) {
	if err == nil {
		err = ErrConnectionReset
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.inFlight {
		q.flightReset = err
	}
	var ids []uint64
	for id, inv := range q.pending {
		if inv.sent {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	item := inboxItem{reset: &resetMark{ids: ids, err: err}}
	select {
	case q.inbox <- item:
	default:
		// Reset may run on the dispatch goroutine itself via a failing flush.
		go func() {
			select {
			case q.inbox <- item:
			case <-q.ctx.Done():
			}
		}()
	}
}

// rejectSent settles the Invocations named by a reset that are still pending.
func (q *Queue) rejectSent(mark *resetMark) {
	q.mu.Lock()
	var rejected []*Invocation
	for _, id := range mark.ids {
		if inv, ok := q.pending[id]; ok && inv.sent {
			rejected = append(rejected, inv)
			delete(q.pending, id)
		}
	}
	q.mu.Unlock()

	if len(rejected) > 0 {
		q.log.Debug().Int("rejected", len(rejected)).Err(mark.err).Msg("reset")
	}
	for _, inv := range rejected {
		inv.settle(nil, mark.err)
	}
}

// Close stops the timers and the dispatch goroutine and rejects every pending
// Invocation with ErrClosed. Buffered items are discarded.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.stopTimerLocked()
		all := make([]*Invocation, 0, len(q.pending))
		for id, inv := range q.pending {
			all = append(all, inv)
			delete(q.pending, id)
		}
		q.calls = nil
		q.replies = nil
		q.mu.Unlock()

		q.cancel()
		for _, inv := range all {
			inv.settle(nil, ErrClosed)
		}
	})
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.NextID = q.nextID
	s.Pending = len(q.pending)
	s.BufferedCalls = len(q.calls)
	s.BufferedReplies = len(q.replies)
	now := time.Now()
	for _, inv := range q.pending {
		if inv.sent {
			s.PendingSent++
		}
		if age := now.Sub(inv.Created); age > s.OldestPending {
			s.OldestPending = age
		}
	}
	return s
}

func (q *Queue) expire(id uint64, err error) {
	q.mu.Lock()
	inv, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()
	if ok {
		inv.settle(nil, err)
	}
}

// armLocked starts the flush timer unless one is already running.
func (q *Queue) armLocked(d time.Duration) {
	if q.timer != nil || q.closed {
		return
	}
	q.timerGen++
	gen := q.timerGen
	q.timer = time.AfterFunc(d, func() { q.onTimer(gen) })
}

func (q *Queue) stopTimerLocked() {
	if q.timer == nil {
		return
	}
	q.timer.Stop()
	q.timer = nil
	q.timerGen++
}

func (q *Queue) onTimer(gen uint64) {
	q.mu.Lock()
	if gen != q.timerGen {
		q.mu.Unlock()
		return
	}
	q.timer = nil
	q.mu.Unlock()
	q.Flush()
}

func encodeJSON(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	}
	return json.Marshal(v)
}
