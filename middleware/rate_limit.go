package middleware

import (
	"context"

	"duplex-rpc/message"

	"golang.org/x/time/rate"
)

// RateLimit admits r requests per second with bursts of up to burst, using a
// token bucket. Requests over the limit are rejected with ErrRateLimited instead of queued.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.Failed(req.Id, ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}
