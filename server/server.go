// Package server accepts streams and serves each one as a Connection.
//
//	Listener.Accept → connection.New(stream, handler)
//	  → read loop per connection
//	    → one goroutine per request → Handler.Dispatch → response
//
// The handler also gets the Connection, so a request can call back into the
// endpoints the client registered on its side.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"duplex-rpc/config"
	"duplex-rpc/connection"
	"duplex-rpc/logging"
	"duplex-rpc/message"
	"duplex-rpc/metrics"
	"duplex-rpc/middleware"
	"duplex-rpc/protocol"
	"duplex-rpc/service"
	"duplex-rpc/transport"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithLimits(l protocol.Limits) Option {
	return func(s *Server) { s.limits = l }
}

// WithConcurrency bounds how many requests the server handles at once across
// all connections. Requests over the bound wait for a slot.
func WithConcurrency(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.slots = semaphore.NewWeighted(n)
		}
	}
}

// WithShutdownTimeout sets how long Stop waits for requests in flight.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// Server is the listening side. It owns every connection it accepted.
type Server struct {
	handler connection.Handler
	log     *zap.Logger
	metrics *metrics.Metrics
	limits  protocol.Limits
	slots   *semaphore.Weighted

	shutdownTimeout time.Duration

	mu        sync.Mutex
	listeners map[transport.Listener]struct{}
	conns     map[*connection.Connection]struct{}
	shutdown  atomic.Bool // Set before listeners close so Serve returns nil
}

func New(h connection.Handler, opts ...Option) *Server {
	s := &Server{
		handler:   h,
		log:       zap.NewNop(),
		limits:    protocol.DefaultLimits(),
		listeners: make(map[transport.Listener]struct{}),
		conns:     make(map[*connection.Connection]struct{}),

		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FromConfig builds a server for d with the limits and shutdown timeout in cfg.
// Rate limiting and request logging are installed on d itself.
func FromConfig(d *service.Dispatcher, cfg config.ServerConfig, opts ...Option) *Server {
	s := New(d, append([]Option{
		WithLimits(cfg.Limits()),
		WithConcurrency(cfg.Concurrency),
		WithShutdownTimeout(cfg.ShutdownTimeout.Std()),
	}, opts...)...)
	d.Use(middleware.Logging(s.log))
	if cfg.RateLimit > 0 {
		d.Use(middleware.RateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	return s
}

// Serve accepts streams from l until l fails or the server shuts down, in which
// case it returns nil. Serve may run for several listeners at once.
func (s *Server) Serve(l transport.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	s.log.Info("serving", zap.String("addr", l.Addr()))
	for {
		rwc, err := l.Accept()
		if err != nil {
			if s.shutdown.Load() || errors.Is(err, transport.ErrListenerClosed) {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", l.Addr(), err)
		}
		s.ServeConn(rwc)
	}
}

// ServeConn serves a single stream that was accepted elsewhere.
func (s *Server) ServeConn(rwc io.ReadWriteCloser) *connection.Connection {
	c := connection.New(rwc,
		connection.WithHandler(connection.HandlerFunc(s.dispatch)),
		connection.WithLogger(s.log),
		connection.WithLimits(s.limits),
		connection.WithMetrics(s.metrics),
		connection.WithName("client"),
	)

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		c.Close()
		return c
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-c.Done()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.log.Debug("client disconnected", zap.String("conn_id", c.ID()), zap.NamedError("cause", c.Err()))
	}()
	return c
}

func (s *Server) dispatch(ctx context.Context, c *connection.Connection, req *message.Request) *message.Response {
	if s.slots != nil {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			return message.Failed(req.Id, err)
		}
		defer s.slots.Release(1)
	}
	if s.handler == nil {
		return message.Failed(req.Id, &connection.NoHandlerError{Endpoint: req.Endpoint})
	}
	return s.handler.Dispatch(ctx, c, req)
}

// Connections reports how many clients are connected.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DisconnectAll closes every client connection but keeps accepting new ones.
func (s *Server) DisconnectAll() error {
	s.mu.Lock()
	conns := make([]*connection.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return nil
}

// Stop is Shutdown with the server's configured timeout.
func (s *Server) Stop() error {
	return s.Shutdown(s.shutdownTimeout)
}

// Shutdown stops accepting, waits up to timeout for requests in flight to
// finish, then closes every connection. Pending callbacks the server issued
// fail with connection.ErrDisconnected.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.shutdown.Store(true)
	listeners := make([]transport.Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	conns := make([]*connection.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var g errgroup.Group
	for _, c := range conns {
		c := c
		g.Go(func() error { return c.WaitIdle(ctx) })
	}
	err := g.Wait()

	for _, c := range conns {
		c.Close()
	}
	if err != nil {
		return fmt.Errorf("timeout waiting for ongoing requests to finish: %w", err)
	}
	s.log.Info("server stopped", zap.Int("connections", len(conns)))
	return nil
}
