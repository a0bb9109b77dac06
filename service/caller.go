package service

import (
	"context"

	"duplex-rpc/connection"
	"duplex-rpc/message"
)

type callerKey struct{}
type requestKey struct{}

func withCaller(ctx context.Context, c *connection.Connection, req *message.Request) context.Context {
	ctx = context.WithValue(ctx, callerKey{}, c)
	return context.WithValue(ctx, requestKey{}, req)
}

// CallerFrom returns the connection the current request arrived on. Handlers use
// it to call back into endpoints the caller registered on its side.
func CallerFrom(ctx context.Context) (*connection.Connection, bool) {
	c, ok := ctx.Value(callerKey{}).(*connection.Connection)
	return c, ok && c != nil
}

// RequestFrom returns the request being handled.
func RequestFrom(ctx context.Context) (*message.Request, bool) {
	req, ok := ctx.Value(requestKey{}).(*message.Request)
	return req, ok
}
