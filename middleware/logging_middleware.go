package middleware

import (
	"context"
	"encoding/json"
	"time"

	"duplex-rpc/queue"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggingMiddleware logs every served Call with its duration. Validation
// errors log at info, other failures at warn.
func LoggingMiddleware() Middleware {
	return LoggingMiddlewareWith(log.With().Str("component", "rpc").Logger())
}

func LoggingMiddlewareWith(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, args json.RawMessage) (any, error) {
			start := time.Now()
			val, err := next(ctx, args)
			duration := time.Since(start)

			info, _ := queue.CallFromContext(ctx)
			var ev *zerolog.Event
			switch {
			case err == nil:
				ev = logger.Debug()
			case queue.IsValidation(err):
				ev = logger.Info().Err(err)
			default:
				ev = logger.Warn().Err(err)
			}
			ev.Str("fun", info.Fun).Uint64("id", info.ID).Dur("duration", duration).Msg("call served")
			return val, err
		}
	}
}
