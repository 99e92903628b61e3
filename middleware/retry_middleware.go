package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"syscall"
	"time"

	"duplex-rpc/queue"

	"github.com/rs/zerolog/log"
)

// Temporary is implemented by handler errors worth another attempt.
type Temporary interface {
	Temporary() bool
}

// RetryMiddleware re-runs the handler on transient failures: a deadline, a
// refused connection to a backend, or an error reporting Temporary() == true.
// Retries stay inside one inbound Call, so the caller still gets one Reply.
// Validation errors are never retried.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, args json.RawMessage) (any, error) {
			val, err := next(ctx, args)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !retryable(err) {
					return val, err
				}
				info, _ := queue.CallFromContext(ctx)
				log.Debug().Str("fun", info.Fun).Int("attempt", i+1).Err(err).Msg("retrying call")

				// Exponential backoff
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return val, err
				}
				val, err = next(ctx, args)
			}
			return val, err
		}
	}
}

func retryable(err error) bool {
	if queue.IsValidation(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var tmp Temporary
	return errors.As(err, &tmp) && tmp.Temporary()
}
