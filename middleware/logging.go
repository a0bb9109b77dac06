package middleware

import (
	"context"
	"time"

	"duplex-rpc/message"

	"go.uber.org/zap"
)

// Logging records every handled request with its duration. Failures are logged
// at warn level together with the error chain.
func Logging(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("endpoint", req.Endpoint),
				zap.String("method", req.MethodName),
				zap.String("request_id", req.Id),
				zap.Duration("duration", time.Since(start)),
			}
			if resp != nil && resp.Error != nil {
				log.Warn("request failed", append(fields, zap.String("error", resp.Error.ToRemote().Chain()))...)
				return resp
			}
			log.Debug("request handled", fields...)
			return resp
		}
	}
}
