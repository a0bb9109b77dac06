// Package service exposes plain Go values as RPC endpoints.
//
// Register scans a receiver for exported methods of the form
//
//	func (r *T) Name([ctx context.Context,] params...) ([R,] error)
//
// and the Dispatcher routes inbound requests to them by (Endpoint, MethodName).
// The same Dispatcher type serves a listener's endpoints and a client's
// callback endpoints.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"runtime/debug"
	"sync"

	"duplex-rpc/codec"
	"duplex-rpc/connection"
	"duplex-rpc/message"
	"duplex-rpc/metrics"
	"duplex-rpc/middleware"

	"go.uber.org/zap"
)

type endpoint struct {
	name        string
	typ         reflect.Type
	rcvr        reflect.Value
	factory     func() any
	methods     map[string]*methodType
	scheduler   Scheduler
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
}

type EndpointOption func(*endpoint)

// WithScheduler selects how the endpoint's handlers are run. The default is Inline.
func WithScheduler(s Scheduler) EndpointOption {
	return func(e *endpoint) { e.scheduler = s }
}

// WithBeforeCall installs a hook that runs before every method of the endpoint.
func WithBeforeCall(hook middleware.BeforeCallFunc) EndpointOption {
	return func(e *endpoint) { e.middlewares = append(e.middlewares, middleware.BeforeCall(hook)) }
}

func WithMiddleware(mws ...middleware.Middleware) EndpointOption {
	return func(e *endpoint) { e.middlewares = append(e.middlewares, mws...) }
}

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithCodec(c codec.Codec) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.codec = c
		}
	}
}

var _ connection.Handler = (*Dispatcher)(nil)

// Dispatcher implements connection.Handler on top of registered endpoints.
type Dispatcher struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	codec   codec.Codec

	mu          sync.RWMutex
	endpoints   map[string]*endpoint
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:       zap.NewNop(),
		codec:     codec.GetCodec(codec.CodecTypeJSON),
		endpoints: make(map[string]*endpoint),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.handler = d.route
	return d
}

// Use adds a middleware around every endpoint. Middlewares run in the order added.
func (d *Dispatcher) Use(mw middleware.Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middlewares = append(d.middlewares, mw)
	d.handler = middleware.Chain(d.middlewares...)(d.route)
}

// Register exposes rcvr under name. An empty name uses the receiver's type name.
// Every request is served by the same rcvr.
func (d *Dispatcher) Register(name string, rcvr any, opts ...EndpointOption) error {
	if rcvr == nil {
		return errors.New("service: nil receiver")
	}
	e := &endpoint{rcvr: reflect.ValueOf(rcvr), typ: reflect.TypeOf(rcvr)}
	return d.add(name, e, opts)
}

// RegisterFactory exposes the type produced by factory under name. Every
// request is served by a fresh value from factory.
func (d *Dispatcher) RegisterFactory(name string, factory func() any, opts ...EndpointOption) error {
	if factory == nil {
		return errors.New("service: nil factory")
	}
	proto := factory()
	if proto == nil {
		return errors.New("service: factory returned nil")
	}
	e := &endpoint{factory: factory, typ: reflect.TypeOf(proto)}
	return d.add(name, e, opts)
}

func (d *Dispatcher) add(name string, e *endpoint, opts []EndpointOption) error {
	if name == "" {
		t := e.typ
		if t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		name = t.Name()
	}
	if name == "" {
		return errors.New("service: cannot derive an endpoint name from an unnamed type")
	}
	e.name = name
	e.methods = methods(e.typ)
	if len(e.methods) == 0 {
		return fmt.Errorf("service: %s has no exported methods of a suitable signature", name)
	}
	e.scheduler = Inline
	for _, opt := range opts {
		opt(e)
	}
	e.handler = middleware.Chain(e.middlewares...)(func(ctx context.Context, req *message.Request) *message.Response {
		return d.invoke(ctx, e, req)
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.endpoints[name]; dup {
		return fmt.Errorf("service: endpoint %q already registered", name)
	}
	d.endpoints[name] = e
	d.log.Debug("endpoint registered", zap.String("endpoint", name), zap.Int("methods", len(e.methods)))
	return nil
}

// Unregister removes an endpoint. Requests already being handled are not affected.
func (d *Dispatcher) Unregister(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.endpoints[name]
	delete(d.endpoints, name)
	return ok
}

func (d *Dispatcher) Endpoints() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.endpoints))
	for name := range d.endpoints {
		names = append(names, name)
	}
	return names
}

// Dispatch serves one inbound request. It applies the request's own timeout and
// never panics: every failure is returned as an error response.
func (d *Dispatcher) Dispatch(ctx context.Context, c *connection.Connection, req *message.Request) *message.Response {
	if timeout := req.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx = withCaller(ctx, c, req)

	d.metrics.InboundStarted()
	d.mu.RLock()
	handler := d.handler
	d.mu.RUnlock()

	resp := handler(ctx, req)
	if resp == nil {
		resp = &message.Response{}
	}

	outcome := metrics.OutcomeOK
	if resp.Error != nil {
		outcome = metrics.OutcomeRemoteError
	}
	d.metrics.InboundFinished(req.Endpoint, outcome)
	return resp
}

func (d *Dispatcher) route(ctx context.Context, req *message.Request) *message.Response {
	d.mu.RLock()
	e := d.endpoints[req.Endpoint]
	d.mu.RUnlock()
	if e == nil {
		return message.Failed(req.Id, &EndpointNotFoundError{Endpoint: req.Endpoint})
	}
	return e.handler(ctx, req)
}

func (d *Dispatcher) invoke(ctx context.Context, e *endpoint, req *message.Request) *message.Response {
	m := e.methods[req.MethodName]
	if m == nil {
		return message.Failed(req.Id, &MethodNotFoundError{Endpoint: e.name, Method: req.MethodName})
	}
	args, err := m.decodeArgs(d.codec, req)
	if err != nil {
		return message.Failed(req.Id, err)
	}

	var (
		result  any
		callErr error
	)
	done := make(chan struct{})
	task := func() {
		defer close(done)
		if err := ctx.Err(); err != nil {
			callErr = err
			return
		}
		defer func() {
			if r := recover(); r != nil {
				callErr = &PanicError{Value: r, Stack: string(debug.Stack())}
				d.log.Error("handler panicked", zap.String("endpoint", e.name),
					zap.String("method", req.MethodName), zap.Any("panic", r))
			}
		}()
		result, callErr = m.call(ctx, e.receiver(), args)
	}
	if err := e.scheduler.Schedule(ctx, task); err != nil {
		return message.Failed(req.Id, err)
	}
	<-done

	if callErr != nil {
		return message.Failed(req.Id, callErr)
	}
	if !m.hasResult {
		return &message.Response{RequestId: req.Id}
	}
	if m.download {
		return d.download(req, result)
	}
	data, err := d.codec.Encode(result)
	if err != nil {
		return message.Failed(req.Id, fmt.Errorf("%s: encode result: %w", req.MethodName, err))
	}
	return &message.Response{RequestId: req.Id, Data: data}
}

func (e *endpoint) receiver() reflect.Value {
	if e.factory != nil {
		return reflect.ValueOf(e.factory())
	}
	return e.rcvr
}

func (d *Dispatcher) download(req *message.Request, result any) *message.Response {
	r, _ := result.(io.Reader)
	if isNil(r) {
		return &message.Response{RequestId: req.Id}
	}
	n, r, err := streamLength(r)
	if err != nil {
		return message.Failed(req.Id, fmt.Errorf("%s: read download: %w", req.MethodName, err))
	}
	return &message.Response{RequestId: req.Id, Download: r, DownloadLen: n}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return rv.IsNil()
	}
	return false
}

// streamLength finds how many bytes r will yield. Readers that cannot tell are
// buffered in memory, and closed if they are closers.
func streamLength(r io.Reader) (int64, io.Reader, error) {
	switch v := r.(type) {
	case interface{ Len() int }:
		return int64(v.Len()), r, nil
	case interface{ Size() int64 }:
		if s, ok := r.(io.Seeker); ok {
			if pos, err := s.Seek(0, io.SeekCurrent); err == nil {
				return v.Size() - pos, r, nil
			}
		}
	case io.Seeker:
		cur, err := v.Seek(0, io.SeekCurrent)
		if err == nil {
			end, err := v.Seek(0, io.SeekEnd)
			if err == nil {
				if _, err = v.Seek(cur, io.SeekStart); err == nil {
					return end - cur, r, nil
				}
			}
		}
	}

	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, nil, err
	}
	return int64(len(data)), bytes.NewReader(data), nil
}
