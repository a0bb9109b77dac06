package message

import (
	"errors"
	"reflect"
	"strings"
)

// Error is the serializable projection of an error chain. Type records the
// nominal type of the original error so the receiver can test for it even when
// that type does not exist in its own process.
type Error struct {
	Message    string `json:"Message"`
	StackTrace string `json:"StackTrace,omitempty"`
	Type       string `json:"Type"`
	InnerError *Error `json:"InnerError,omitempty"`
}

// stackTracer is implemented by errors that captured a stack when they were created.
type stackTracer interface {
	StackTrace() string
}

// NewError walks err's Unwrap chain and projects every link into an Error.
// A RemoteError keeps the type name it was received with, so relaying a remote
// failure does not rename it. For errors that wrap several errors only the first
// one is followed.
func NewError(err error) *Error {
	if err == nil {
		return nil
	}
	e := &Error{
		Message: err.Error(),
		Type:    TypeNameOf(err),
	}
	if st, ok := err.(stackTracer); ok {
		e.StackTrace = st.StackTrace()
	}
	if re, ok := err.(*RemoteError); ok {
		e.Type = re.Type
		e.StackTrace = re.StackTrace
		if re.Inner != nil {
			e.InnerError = NewError(re.Inner)
		}
		return e
	}
	if inner := unwrapOne(err); inner != nil {
		e.InnerError = NewError(inner)
	}
	return e
}

func unwrapOne(err error) error {
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return u.Unwrap()
	case interface{ Unwrap() []error }:
		if errs := u.Unwrap(); len(errs) > 0 {
			return errs[0]
		}
	}
	return nil
}

// ToRemote reconstructs the chain as RemoteErrors.
func (e *Error) ToRemote() *RemoteError {
	if e == nil {
		return nil
	}
	return &RemoteError{
		Message:    e.Message,
		Type:       e.Type,
		StackTrace: e.StackTrace,
		Inner:      e.InnerError.ToRemote(),
	}
}

// RemoteError is an error raised by application code on the remote peer.
// It is the only error kind that crosses the wire; timeouts, cancellations and
// disconnections are always local.
type RemoteError struct {
	Message    string
	Type       string
	StackTrace string
	Inner      *RemoteError
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	if e.Inner == nil {
		return nil
	}
	return e.Inner
}

// IsType reports whether this link of the chain was raised with the given type name.
func (e *RemoteError) IsType(name string) bool {
	return e.Type == name
}

// IsType reports whether err contains a RemoteError whose recorded type is T.
// The comparison is by name: T only has to be declared the same way on both sides.
func IsType[T any](err error) bool {
	name := TypeName[T]()
	var re *RemoteError
	for errors.As(err, &re) {
		if re.IsType(name) {
			return true
		}
		if re.Inner == nil {
			return false
		}
		err = re.Inner
	}
	return false
}

// TypeName returns the name recorded in Error.Type for errors of type T.
func TypeName[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}

// TypeNameOf returns the name recorded in Error.Type for err.
func TypeNameOf(err error) string {
	if err == nil {
		return ""
	}
	return reflect.TypeOf(err).String()
}

// Chain returns the messages of every link, outermost first. Mostly useful in logs.
func (e *RemoteError) Chain() string {
	var b strings.Builder
	for link := e; link != nil; link = link.Inner {
		if b.Len() > 0 {
			b.WriteString(" -> ")
		}
		b.WriteString(link.Type)
		b.WriteString(": ")
		b.WriteString(link.Message)
	}
	return b.String()
}
