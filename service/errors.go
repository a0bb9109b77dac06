package service

import (
	"errors"
	"fmt"
)

var ErrSchedulerClosed = errors.New("scheduler closed")

type EndpointNotFoundError struct {
	Endpoint string
}

func (e *EndpointNotFoundError) Error() string {
	return fmt.Sprintf("endpoint %q is not registered", e.Endpoint)
}

type MethodNotFoundError struct {
	Endpoint string
	Method   string
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("endpoint %q has no method %q", e.Endpoint, e.Method)
}

// PanicError carries a recovered handler panic to the caller, stack included.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) StackTrace() string {
	return e.Stack
}
