package middleware

import (
	"context"
	"time"

	"duplex-rpc/message"
)

// Timeout caps how long the server spends on one request regardless of the
// timeout the caller asked for. The handler's context is canceled at the cap;
// a handler that ignores it keeps running but its response is dropped.
func Timeout(max time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, max)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.Failed(req.Id, ErrHandlerTimeout)
			}
		}
	}
}
