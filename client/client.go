// Package client calls endpoints on a remote peer.
//
// A Registry owns the connections; a Client names one remote endpoint and
// borrows the shared connection for its (network, address) on every call:
//
//	reg := client.NewRegistry(client.WithCallbacks(callbacks))
//	defer reg.Close()
//	calc := client.New(reg, "Computing", transport.TCP("127.0.0.1:7600"))
//	var sum float64
//	err := calc.Call(ctx, "AddFloat", &sum, 1.23, 4.56)
package client

import (
	"context"
	"errors"
	"io"
	"time"

	"duplex-rpc/config"
	"duplex-rpc/connection"
	"duplex-rpc/transport"

	"go.uber.org/zap"
)

// BeforeCallFunc runs before every call a Client makes. It may adjust the call;
// returning an error aborts it before anything is sent.
type BeforeCallFunc func(ctx context.Context, call *connection.CallOptions) error

type Option func(*Client)

// WithRequestTimeout applies to calls that do not carry their own timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithBeforeCall(hook BeforeCallFunc) Option {
	return func(c *Client) { c.beforeCall = hook }
}

// WithKeyParams keeps this client off connections shared under other params.
func WithKeyParams(params string) Option {
	return func(c *Client) { c.key.Params = params }
}

type Client struct {
	reg        *Registry
	endpoint   string
	dialer     transport.Dialer
	key        Key
	timeout    time.Duration
	beforeCall BeforeCallFunc
}

func New(reg *Registry, endpoint string, dialer transport.Dialer, opts ...Option) *Client {
	c := &Client{
		reg:      reg,
		endpoint: endpoint,
		dialer:   dialer,
		key:      KeyOf(dialer, ""),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromConfig builds a client for endpoint on the remote described by cfg,
// dialing with its retry policy and applying its default request timeout.
func FromConfig(reg *Registry, endpoint string, cfg config.ClientConfig, opts ...Option) (*Client, error) {
	d, err := cfg.Dialer(reg.log)
	if err != nil {
		return nil, err
	}
	return New(reg, endpoint, d, append([]Option{WithRequestTimeout(cfg.RequestTimeout.Std())}, opts...)...), nil
}

func (c *Client) Endpoint() string { return c.endpoint }

// Call invokes method with args and decodes the result into result, which may
// be nil. See connection.Connection.Call for the possible errors.
func (c *Client) Call(ctx context.Context, method string, result any, args ...any) error {
	return c.CallWith(ctx, connection.CallOptions{Method: method, Args: args}, result)
}

// CallWith is Call with full control over the call options. The endpoint is
// always the client's.
func (c *Client) CallWith(ctx context.Context, call connection.CallOptions, result any) error {
	if err := c.prepare(ctx, &call); err != nil {
		return err
	}
	return c.do(ctx, func(conn *connection.Connection) error {
		return conn.Call(ctx, call, result)
	})
}

// Upload streams size bytes from r to method, which receives them as its
// io.Reader parameter.
func (c *Client) Upload(ctx context.Context, method string, r io.Reader, size int64, result any, args ...any) error {
	return c.CallWith(ctx, connection.CallOptions{Method: method, Args: args, Upload: r, UploadLen: size}, result)
}

// Download calls a method that returns a stream. The caller must Close it.
func (c *Client) Download(ctx context.Context, method string, args ...any) (io.ReadCloser, error) {
	call := connection.CallOptions{Method: method, Args: args}
	if err := c.prepare(ctx, &call); err != nil {
		return nil, err
	}
	var rc io.ReadCloser
	err := c.do(ctx, func(conn *connection.Connection) error {
		var err error
		rc, err = conn.Download(ctx, call)
		return err
	})
	return rc, err
}

func (c *Client) prepare(ctx context.Context, call *connection.CallOptions) error {
	call.Endpoint = c.endpoint
	if call.Timeout == 0 {
		call.Timeout = c.timeout
	}
	if c.beforeCall != nil {
		return c.beforeCall(ctx, call)
	}
	return nil
}

// do runs fn on the shared connection. When the connection turns out to be
// closed before the request left, fn is retried once on a fresh connection;
// a request that may have reached the remote is never resent.
func (c *Client) do(ctx context.Context, fn func(*connection.Connection) error) error {
	conn, err := c.reg.GetOrConnect(ctx, c.key, c.dialer)
	if err != nil {
		return err
	}
	err = fn(conn)
	if !errors.Is(err, connection.ErrClosed) {
		return err
	}

	c.reg.log.Debug("connection closed under call, reconnecting", zap.Stringer("key", c.key),
		zap.String("endpoint", c.endpoint), zap.Error(err))
	conn, err = c.reg.GetOrConnect(ctx, c.key, c.dialer)
	if err != nil {
		return err
	}
	return fn(conn)
}
