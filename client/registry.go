package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"duplex-rpc/config"
	"duplex-rpc/connection"
	"duplex-rpc/logging"
	"duplex-rpc/metrics"
	"duplex-rpc/protocol"
	"duplex-rpc/transport"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var ErrRegistryClosed = errors.New("client: registry closed")

// Key identifies a shared connection. Clients with equal keys share one
// Connection; Params separates connections that must not be shared even though
// they reach the same address.
type Key struct {
	Network string
	Address string
	Params  string
}

func (k Key) String() string {
	s := k.Network + "://" + k.Address
	if k.Params != "" {
		s += "?" + k.Params
	}
	return s
}

func KeyOf(d transport.Dialer, params string) Key {
	return Key{Network: d.Network(), Address: d.Address(), Params: params}
}

// ConnectError reports a failed connection attempt for Key.
type ConnectError struct {
	Key Key
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Key, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

type RegistryOption func(*Registry)

func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.log = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithCallbacks serves requests the remote sends back over connections opened
// by this registry, typically a *service.Dispatcher.
func WithCallbacks(h connection.Handler) RegistryOption {
	return func(r *Registry) { r.callbacks = h }
}

func WithLimits(l protocol.Limits) RegistryOption {
	return func(r *Registry) { r.limits = l }
}

// WithConnectTimeout bounds one connection attempt, retries included. Zero means
// no bound.
func WithConnectTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.connectTimeout = d }
}

// Registry caches one live Connection per Key.
//
// Concurrent GetOrConnect calls for a missing key share a single dial. A
// connection that faults is evicted as soon as it does, and the next call for
// its key dials again.
type Registry struct {
	log            *zap.Logger
	metrics        *metrics.Metrics
	callbacks      connection.Handler
	limits         protocol.Limits
	connectTimeout time.Duration

	group singleflight.Group

	mu      sync.Mutex
	conns   map[Key]*connection.Connection
	closed  bool
	watches sync.WaitGroup
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:            zap.NewNop(),
		limits:         protocol.DefaultLimits(),
		connectTimeout: 30 * time.Second,
		conns:          make(map[Key]*connection.Connection),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegistryFromConfig builds a registry with the connect timeout and frame limit
// in cfg. opts are applied after them.
func RegistryFromConfig(cfg config.ClientConfig, opts ...RegistryOption) *Registry {
	return NewRegistry(append([]RegistryOption{
		WithConnectTimeout(cfg.ConnectTimeout.Std()),
		WithLimits(cfg.Limits()),
	}, opts...)...)
}

// GetOrConnect returns the live connection for key, dialing with d when there is
// none. The dial is shared by every caller waiting on the key and is not aborted
// when one of them gives up; ctx only bounds this caller's wait.
func (r *Registry) GetOrConnect(ctx context.Context, key Key, d transport.Dialer) (*connection.Connection, error) {
	if c := r.lookup(key); c != nil {
		return c, nil
	}
	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key.String(), func() (any, error) {
		return r.connect(detached, key, d)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*connection.Connection), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// lookup returns the cached connection for key if it is still usable.
func (r *Registry) lookup(key Key) *connection.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[key]
	if c == nil {
		return nil
	}
	if c.State() != connection.StateConnected {
		delete(r.conns, key)
		return nil
	}
	return c
}

func (r *Registry) connect(ctx context.Context, key Key, d transport.Dialer) (*connection.Connection, error) {
	if c := r.lookup(key); c != nil {
		return c, nil
	}
	if r.isClosed() {
		return nil, ErrRegistryClosed
	}

	if r.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.connectTimeout)
		defer cancel()
	}
	opts := []connection.Option{
		connection.WithLogger(r.log),
		connection.WithLimits(r.limits),
		connection.WithMetrics(r.metrics),
		connection.WithName(key.String()),
	}
	if r.callbacks != nil {
		opts = append(opts, connection.WithHandler(r.callbacks))
	}

	start := time.Now()
	c, err := connection.Dial(ctx, d.Dial, opts...)
	r.metrics.ConnectAttempt(err)
	if err != nil {
		r.log.Info("connect failed", zap.Stringer("key", key), zap.Error(err))
		return nil, &ConnectError{Key: key, Err: err}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		c.Close()
		return nil, ErrRegistryClosed
	}
	r.conns[key] = c
	r.watches.Add(1)
	r.mu.Unlock()

	go r.watch(key, c)
	r.log.Info("connected", zap.Stringer("key", key), zap.String("conn_id", c.ID()),
		zap.Duration("took", time.Since(start)))
	return c, nil
}

func (r *Registry) watch(key Key, c *connection.Connection) {
	defer r.watches.Done()
	<-c.Done()

	r.mu.Lock()
	evicted := r.conns[key] == c
	if evicted {
		delete(r.conns, key)
	}
	r.mu.Unlock()

	if evicted {
		r.metrics.Evicted()
		r.log.Debug("connection evicted", zap.Stringer("key", key), zap.String("conn_id", c.ID()),
			zap.Stringer("state", c.State()), zap.NamedError("cause", c.Err()))
	}
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Len reports how many connections are cached.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Close disposes every cached connection. Later GetOrConnect calls fail with
// ErrRegistryClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := make([]*connection.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	r.watches.Wait()
	return nil
}
