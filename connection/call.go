package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"duplex-rpc/codec"
	"duplex-rpc/message"
	"duplex-rpc/metrics"
	"duplex-rpc/protocol"

	"go.uber.org/zap"
)

// cancelSendTimeout bounds how long a best-effort CancellationRequest waits for the writer.
const cancelSendTimeout = 5 * time.Second

// CallOptions describes one outbound call.
type CallOptions struct {
	Endpoint string
	Method   string
	Args     []any

	// Timeout limits the whole call, including waiting for the writer.
	// It is also sent to the remote. Zero means no limit besides ctx.
	Timeout time.Duration

	// Upload, when set, is streamed after the request as an UploadRequest.
	// A call that ends while the payload is still going out leaves the writer
	// reading Upload until UploadLen bytes are sent.
	Upload    io.Reader
	UploadLen int64
}

// Call sends a request and waits for its response, decoding the result into result
// (which may be nil to ignore it).
//
// The call ends with exactly one of: the decoded result, a *message.RemoteError
// raised by the remote handler, a *TimeoutError, a *CanceledError, or an error
// wrapping ErrDisconnected. Timeouts and cancellations unblock the caller
// immediately and send a best-effort CancellationRequest to the remote.
func (c *Connection) Call(ctx context.Context, call CallOptions, result any) error {
	resp, err := c.roundTrip(ctx, call)
	if err != nil {
		return err
	}
	if closer, ok := resp.Download.(io.Closer); ok {
		closer.Close()
	}
	return c.decodeResult(call.Method, resp, result)
}

// Invoke is Call without a timeout or upload.
func (c *Connection) Invoke(ctx context.Context, endpoint, method string, result any, args ...any) error {
	return c.Call(ctx, CallOptions{Endpoint: endpoint, Method: method, Args: args}, result)
}

// Download performs the call and returns the streamed payload of the response.
// The payload has already been received in full; the caller must Close the
// stream to release it.
func (c *Connection) Download(ctx context.Context, call CallOptions) (io.ReadCloser, error) {
	resp, err := c.roundTrip(ctx, call)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		if closer, ok := resp.Download.(io.Closer); ok {
			closer.Close()
		}
		return nil, resp.Error.ToRemote()
	}
	switch s := resp.Download.(type) {
	case nil:
		return nil, fmt.Errorf("%s: response carries no stream", call.Method)
	case io.ReadCloser:
		return s, nil
	default:
		return io.NopCloser(s), nil
	}
}

func (c *Connection) decodeResult(method string, resp *message.Response, result any) error {
	if resp.Error != nil {
		return resp.Error.ToRemote()
	}
	if result == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := c.opts.codec.Decode(resp.Data, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *Connection) roundTrip(ctx context.Context, call CallOptions) (resp *message.Response, err error) {
	start := time.Now()
	defer func() {
		c.opts.metrics.ObserveCall(call.Endpoint, outcomeLabel(resp, err), time.Since(start).Seconds())
	}()

	params, err := codec.EncodeArgs(c.opts.codec, call.Args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", call.Method, err)
	}
	id := strconv.FormatUint(c.seq.Add(1), 10)
	body, err := json.Marshal(&message.Request{
		Endpoint:       call.Endpoint,
		Id:             id,
		MethodName:     call.Method,
		Parameters:     params,
		TimeoutSeconds: message.TimeoutSeconds(call.Timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", call.Method, err)
	}
	if err := c.opts.limits.CheckBody(len(body)); err != nil {
		return nil, fmt.Errorf("%s: %w", call.Method, err)
	}
	f := &protocol.Frame{Type: protocol.FrameRequest, Body: body}
	if call.Upload != nil {
		f.Type = protocol.FrameUpload
		f.Payload = call.Upload
		f.PayloadLen = call.UploadLen
	}

	callCtx, cancel := withCallTimeout(ctx, call.Timeout)
	defer cancel()

	p, err := c.pending.register(id)
	if err != nil {
		return nil, err
	}
	written, werr := c.enqueue(callCtx, f)
	if werr != nil {
		// The entry may already hold a disconnection outcome from drainAll; the
		// enqueue error is more precise: the request never left this process.
		c.pending.fail(id, werr)
		<-p.done
		if callCtx.Err() != nil && !errors.Is(werr, ErrDisconnected) {
			return nil, abandoned(callCtx, call.Method)
		}
		return nil, werr
	}

	// A caller that gives up mid-write leaves the rest of the frame to the writer.
	select {
	case werr := <-written:
		if werr != nil {
			c.pending.fail(id, werr)
			<-p.done
			return nil, werr
		}
	case <-callCtx.Done():
	}
	return c.await(callCtx, p, call.Method)
}

// await races the response against the call context. Whoever removes the
// pending entry first decides the outcome.
func (c *Connection) await(callCtx context.Context, p *pendingCall, method string) (*message.Response, error) {
	select {
	case out := <-p.done:
		return out.result()
	case <-callCtx.Done():
	}

	if !c.pending.cancelLocally(p.id) {
		out := <-p.done
		return out.result()
	}
	go c.sendCancellation(p.id)
	return nil, abandoned(callCtx, method)
}

// sendCancellation tells the remote to stop working on id. Nothing waits for an
// acknowledgment and a failure is only logged.
func (c *Connection) sendCancellation(id string) {
	body, err := json.Marshal(&message.CancellationRequest{RequestId: id})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, cancelSendTimeout)
	defer cancel()
	if err := c.writeFrame(ctx, &protocol.Frame{Type: protocol.FrameCancellation, Body: body}); err != nil {
		c.log.Debug("cancellation not sent", zap.String("request_id", id), zap.Error(err))
	}
}

func withCallTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, timeout, errTimedOut)
}

// abandoned classifies why callCtx ended: our own timeout, or the caller's context.
func abandoned(callCtx context.Context, method string) error {
	if errors.Is(context.Cause(callCtx), errTimedOut) {
		return &TimeoutError{Method: method}
	}
	return &CanceledError{Method: method, Cause: callCtx.Err()}
}

func outcomeLabel(resp *message.Response, err error) string {
	var (
		timeout  *TimeoutError
		canceled *CanceledError
	)
	switch {
	case err == nil && resp != nil && resp.Error != nil:
		return metrics.OutcomeRemoteError
	case err == nil:
		return metrics.OutcomeOK
	case errors.As(err, &timeout):
		return metrics.OutcomeTimeout
	case errors.As(err, &canceled):
		return metrics.OutcomeCanceled
	case errors.Is(err, ErrDisconnected):
		return metrics.OutcomeDisconnected
	default:
		return metrics.OutcomeLocalError
	}
}
