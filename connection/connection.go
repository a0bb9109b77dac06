// Package connection multiplexes concurrent calls in both directions over one byte stream.
//
// A Connection owns the stream. One goroutine (readLoop) decodes frames and routes
// them:
//
//	Response / DownloadResponse   → pending table → waiting caller wakes up
//	Request / UploadRequest       → go Handler.Dispatch → Response written back
//	CancellationRequest           → cancels the matching inbound handler context
//
// Upload and download payloads are spooled off the stream before the next frame is
// decoded, so a consumer that reads its payload late never stalls the loop.
// A second goroutine (writeLoop) owns the write side: frames are handed to it one
// at a time so they never interleave, and a caller whose call ends while its frame
// is still going out returns at once.
// Either peer can issue calls: a server handler reaches the client's callback
// endpoints through the very connection the request arrived on.
package connection

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"duplex-rpc/message"
	"duplex-rpc/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler serves requests initiated by the remote peer. Dispatch runs on its own
// goroutine and must not panic past its own boundary; the returned Response's
// RequestId is filled in by the connection.
type Handler interface {
	Dispatch(ctx context.Context, c *Connection, req *message.Request) *message.Response
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, c *Connection, req *message.Request) *message.Response

func (f HandlerFunc) Dispatch(ctx context.Context, c *Connection, req *message.Request) *message.Response {
	return f(ctx, c, req)
}

type Connection struct {
	id   string
	opts options
	log  *zap.Logger

	state  atomic.Int32
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	writes chan writeRequest

	seq      atomic.Uint64
	pending  *pendingTable
	inbound  *inboundTable
	inflight *activity

	// ctx parents every inbound handler context and is canceled on shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newConnection(opts ...Option) *Connection {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	id := uuid.NewString()
	log := o.logger.With(zap.String("conn_id", id))
	if o.name != "" {
		log = log.With(zap.String("remote", o.name))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:       id,
		opts:     o,
		log:      log,
		writes:   make(chan writeRequest),
		pending:  newPendingTable(log),
		inbound:  newInboundTable(),
		inflight: newActivity(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// New wraps an established stream and starts its read loop.
func New(rwc io.ReadWriteCloser, opts ...Option) *Connection {
	c := newConnection(opts...)
	c.start(rwc)
	return c
}

// Dial establishes the stream with dial and starts the read loop. A failed dial
// leaves no connection behind.
func Dial(ctx context.Context, dial func(context.Context) (io.ReadWriteCloser, error), opts ...Option) (*Connection, error) {
	c := newConnection(opts...)
	c.state.Store(int32(StateConnecting))
	rwc, err := dial(ctx)
	if err != nil {
		c.shutdown(StateFaulted, err)
		return nil, err
	}
	c.start(rwc)
	return c, nil
}

func (c *Connection) start(rwc io.ReadWriteCloser) {
	c.rwc = rwc
	c.reader = bufio.NewReader(rwc)
	c.state.Store(int32(StateConnected))
	c.opts.metrics.ConnectionOpened()
	c.log.Debug("connection established")
	go c.readLoop()
	go c.writeLoop()
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Name() string { return c.opts.name }

func (c *Connection) State() State { return State(c.state.Load()) }

// Done is closed once the connection faulted or was disposed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is alive.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close disposes the connection. Pending calls fail with ErrDisconnected and inbound
// handlers see their context canceled. Close is idempotent.
func (c *Connection) Close() error {
	c.shutdown(StateDisposed, errDisposed)
	return nil
}

// WaitIdle blocks until no inbound request is being handled or ctx ends.
func (c *Connection) WaitIdle(ctx context.Context) error {
	select {
	case <-c.inflight.wait():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) fault(err error) {
	c.shutdown(StateFaulted, err)
}

func (c *Connection) shutdown(final State, cause error) {
	c.closeOnce.Do(func() {
		c.err = cause
		c.state.Store(int32(final))
		c.cancel()
		close(c.done)
		if c.rwc != nil {
			_ = c.rwc.Close()
			c.opts.metrics.ConnectionClosed()
		}
		drained := c.pending.drainAll(fmt.Errorf("%w: %v", ErrDisconnected, cause))
		c.inbound.cancelAll()

		fields := []zap.Field{zap.Stringer("state", final), zap.Int("drained", drained)}
		if final == StateFaulted && !errors.Is(cause, io.EOF) {
			c.log.Info("connection faulted", append(fields, zap.Error(cause))...)
		} else {
			c.log.Debug("connection closed", append(fields, zap.NamedError("cause", cause))...)
		}
	})
}

func (c *Connection) closedErr() error {
	return fmt.Errorf("%w (%v)", ErrClosed, c.err)
}

// readLoop is the only reader of the stream. It exits on the first decode or
// routing error and always drains the pending table on the way out.
func (c *Connection) readLoop() {
	for {
		f, err := protocol.Decode(c.reader, c.opts.limits)
		if err == nil {
			err = c.route(f)
		}
		if err != nil {
			c.fault(err)
			return
		}
	}
}

func (c *Connection) route(f *protocol.Frame) error {
	switch f.Type {
	case protocol.FrameResponse, protocol.FrameDownload:
		return c.onResponse(f)
	case protocol.FrameRequest, protocol.FrameUpload:
		return c.onRequest(f)
	case protocol.FrameCancellation:
		return c.onCancellation(f)
	default:
		return fmt.Errorf("%w: %d", protocol.ErrUnknownFrameType, f.Type)
	}
}

func (c *Connection) onResponse(f *protocol.Frame) error {
	var resp message.Response
	if err := json.Unmarshal(f.Body, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if f.Payload == nil {
		c.pending.complete(&resp)
		return nil
	}

	p, err := c.spool(f)
	if err != nil {
		return err
	}
	resp.Download = p
	resp.DownloadLen = f.PayloadLen
	if !c.pending.complete(&resp) {
		p.Close()
	}
	return nil
}

func (c *Connection) onRequest(f *protocol.Frame) error {
	var req message.Request
	if err := json.Unmarshal(f.Body, &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	var upload *payload
	if f.Payload != nil {
		var err error
		if upload, err = c.spool(f); err != nil {
			return err
		}
		req.Upload = upload
		req.UploadLen = f.PayloadLen
	}

	// Registered here, before the next frame is read, so a CancellationRequest
	// that immediately follows always finds the call.
	ctx, cancel := context.WithCancel(c.ctx)
	if !c.inbound.add(req.Id, cancel) {
		cancel()
		if upload != nil {
			upload.Close()
		}
		c.log.Warn("duplicate inbound request id", zap.String("request_id", req.Id))
		go c.reply(message.Failed(req.Id, fmt.Errorf("request id %q is already in flight", req.Id)))
		return nil
	}

	c.inflight.start()
	go c.serve(ctx, &req, upload)
	return nil
}

func (c *Connection) onCancellation(f *protocol.Frame) error {
	var cr message.CancellationRequest
	if err := json.Unmarshal(f.Body, &cr); err != nil {
		return fmt.Errorf("decode cancellation: %w", err)
	}
	if !c.inbound.cancel(cr.RequestId) {
		c.log.Debug("cancellation for finished request", zap.String("request_id", cr.RequestId))
	}
	return nil
}

// spool reads the payload of f off the stream. A failure leaves the stream
// mid-frame, so it faults the connection.
func (c *Connection) spool(f *protocol.Frame) (*payload, error) {
	p, err := spool(f.Payload, f.PayloadLen, c.opts.spoolThreshold, c.opts.spoolDir)
	if err != nil {
		return nil, fmt.Errorf("read %s payload: %w", f.Type, err)
	}
	return p, nil
}

func (c *Connection) serve(ctx context.Context, req *message.Request, upload *payload) {
	defer c.inflight.finish()
	if upload != nil {
		defer upload.Close()
	}

	resp := c.dispatch(ctx, req)
	c.inbound.remove(req.Id)

	if err := c.reply(resp); err != nil {
		c.log.Debug("response not sent", zap.String("request_id", req.Id), zap.Error(err))
	}
}

func (c *Connection) dispatch(ctx context.Context, req *message.Request) (resp *message.Response) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panicked", zap.String("endpoint", req.Endpoint),
				zap.String("method", req.MethodName), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			resp = message.Failed(req.Id, fmt.Errorf("handler panicked: %v", r))
		}
	}()

	if c.opts.handler == nil {
		return message.Failed(req.Id, &NoHandlerError{Endpoint: req.Endpoint})
	}
	resp = c.opts.handler.Dispatch(ctx, c, req)
	if resp == nil {
		resp = &message.Response{}
	}
	resp.RequestId = req.Id
	return resp
}

func (c *Connection) reply(resp *message.Response) error {
	if closer, ok := resp.Download.(io.Closer); ok {
		defer closer.Close()
	}

	body, err := json.Marshal(resp)
	if err == nil {
		err = c.opts.limits.CheckBody(len(body))
	}
	if err != nil {
		resp = message.Failed(resp.RequestId, fmt.Errorf("encode response: %w", err))
		if body, err = json.Marshal(resp); err != nil {
			return err
		}
	}

	f := &protocol.Frame{Type: protocol.FrameResponse, Body: body}
	if resp.Download != nil {
		f.Type = protocol.FrameDownload
		f.Payload = resp.Download
		f.PayloadLen = resp.DownloadLen
	}
	return c.writeFrame(c.ctx, f)
}

type writeRequest struct {
	frame *protocol.Frame
	done  chan error // buffered, receives the result of the write
}

// writeLoop is the only writer of the stream. A failed write leaves a partial
// frame behind, so it faults the connection.
func (c *Connection) writeLoop() {
	for {
		select {
		case w := <-c.writes:
			select {
			case <-c.done:
				w.done <- c.closedErr()
				continue
			default:
			}
			err := protocol.Encode(c.rwc, w.frame)
			if err != nil {
				err = fmt.Errorf("write %s: %w", w.frame.Type, err)
				c.fault(err)
				err = fmt.Errorf("%w: %v", ErrDisconnected, err)
			}
			w.done <- err
		case <-c.done:
			return
		}
	}
}

// enqueue hands f to the writer. Waiting for the writer honors ctx; once enqueue
// returns the frame is being written and will be written completely or the
// connection faults. The returned channel receives the outcome.
func (c *Connection) enqueue(ctx context.Context, f *protocol.Frame) (<-chan error, error) {
	w := writeRequest{frame: f, done: make(chan error, 1)}
	select {
	case c.writes <- w:
		return w.done, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-c.done:
		return nil, c.closedErr()
	}
}

// writeFrame writes f and waits for the result until ctx ends. A frame that is
// already going out when ctx ends finishes in the background.
func (c *Connection) writeFrame(ctx context.Context, f *protocol.Frame) error {
	written, err := c.enqueue(ctx, f)
	if err != nil {
		return err
	}
	select {
	case err := <-written:
		return err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
