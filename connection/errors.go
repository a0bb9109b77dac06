package connection

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDisconnected is the cause of every call that could not complete because the
	// connection faulted or was disposed. It never crosses the wire.
	ErrDisconnected = errors.New("disconnected")

	// ErrClosed is returned when the connection was already closed before any byte of
	// the request was written. Such a call never reached the remote and is safe to retry.
	ErrClosed = fmt.Errorf("%w: connection closed before the request was sent", ErrDisconnected)

	// ErrStreamClosed is returned when reading an upload or download stream after Close.
	ErrStreamClosed = errors.New("stream closed")

	errDisposed = errors.New("connection disposed")
	errTimedOut = errors.New("call timed out")
)

// TimeoutError reports that a call exceeded its timeout. The remote may still be
// running it; a best-effort cancellation was sent.
type TimeoutError struct {
	Method string
}

func (e *TimeoutError) Error() string {
	return e.Method + " timed out."
}

func (e *TimeoutError) Timeout() bool { return true }

// Is makes errors.Is(err, context.DeadlineExceeded) hold for timeouts.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// CanceledError reports that the caller's context ended before the call completed.
// Cause is the context's error.
type CanceledError struct {
	Method string
	Cause  error
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("%s canceled: %v", e.Method, e.Cause)
}

func (e *CanceledError) Unwrap() error {
	return e.Cause
}

// NoHandlerError is sent back when a request arrives on a connection that serves no endpoints.
type NoHandlerError struct {
	Endpoint string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no endpoint %q is served on this connection", e.Endpoint)
}
