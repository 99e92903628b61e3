package middleware

import (
	"context"
	"encoding/json"

	"duplex-rpc/queue"

	"golang.org/x/time/rate"
)

const ErrTextRateLimited = "rate limit exceeded"

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
// The limiter is shared by every queue the middleware is installed in.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, args json.RawMessage) (any, error) {
			if !limiter.Allow() {
				return nil, queue.Reject(ErrTextRateLimited)
			}
			return next(ctx, args)
		}
	}
}
