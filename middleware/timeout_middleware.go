package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"duplex-rpc/queue"
)

// ErrTextTimedOut is the Reply error when a handler overruns its budget.
const ErrTextTimedOut = "request timed out"

// TimeOutMiddleware answers the Call with ErrTextTimedOut once timeout elapses.
// The handler sees a cancelled ctx and its late result is discarded, but the
// middleware only returns after the handler does so calls stay serial.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, args json.RawMessage) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				val any
				err error
			}
			done := make(chan result, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- result{nil, fmt.Errorf("middleware: handler panicked: %v", r)}
					}
				}()
				val, err := next(ctx, args)
				done <- result{val, err}
			}()

			select {
			case r := <-done:
				return r.val, r.err
			case <-ctx.Done():
				<-done
				return nil, queue.Reject(ErrTextTimedOut)
			}
		}
	}
}
