// Package middleware wraps the handling of inbound requests.
//
// Chain(A, B, C)(h) builds A(B(C(h))), so A sees the request first and the
// response last.
package middleware

import (
	"context"
	"errors"

	"duplex-rpc/message"
)

var (
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrHandlerTimeout = errors.New("request timed out")
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one; the first one is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// BeforeCallFunc runs before a request reaches its method. A non-nil error
// rejects the request and is sent back to the caller.
type BeforeCallFunc func(ctx context.Context, req *message.Request) error

func BeforeCall(hook BeforeCallFunc) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if err := hook(ctx, req); err != nil {
				return message.Failed(req.Id, err)
			}
			return next(ctx, req)
		}
	}
}
