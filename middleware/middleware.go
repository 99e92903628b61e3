// Package middleware provides handler middlewares for the queue's capability table.
package middleware

import "duplex-rpc/queue"

type (
	HandlerFunc = queue.HandlerFunc
	Middleware  = queue.Middleware
)

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
