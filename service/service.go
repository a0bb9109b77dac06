package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"

	"duplex-rpc/codec"
	"duplex-rpc/message"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	readerType  = reflect.TypeOf((*io.Reader)(nil)).Elem()
)

type methodType struct {
	method    reflect.Method
	takesCtx  bool
	argTypes  []reflect.Type // parameters after the optional context, upload included
	uploadArg int            // index in argTypes of the io.Reader parameter, or -1
	hasResult bool
	download  bool // the result is an io.Reader streamed as a DownloadResponse
}

// methods scans typ's exported methods and keeps those with an RPC signature:
//
//	func (r *T) Name([ctx context.Context,] params...) error
//	func (r *T) Name([ctx context.Context,] params...) (R, error)
//
// At most one parameter may be an io.Reader; it receives the uploaded stream.
// A result whose type implements io.Reader is sent as a download.
func methods(typ reflect.Type) map[string]*methodType {
	out := make(map[string]*methodType)
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if !m.IsExported() {
			continue
		}
		mt, ok := newMethodType(m)
		if !ok {
			continue
		}
		out[m.Name] = mt
	}
	return out
}

func newMethodType(m reflect.Method) (*methodType, bool) {
	ft := m.Type
	switch ft.NumOut() {
	case 1:
		if ft.Out(0) != errorType {
			return nil, false
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, false
		}
	default:
		return nil, false
	}
	if ft.IsVariadic() {
		return nil, false
	}

	mt := &methodType{method: m, uploadArg: -1, hasResult: ft.NumOut() == 2}
	first := 1 // skip the receiver
	if ft.NumIn() > 1 && ft.In(1) == contextType {
		mt.takesCtx = true
		first = 2
	}
	for i := first; i < ft.NumIn(); i++ {
		in := ft.In(i)
		if in == readerType {
			if mt.uploadArg >= 0 {
				return nil, false
			}
			mt.uploadArg = len(mt.argTypes)
		}
		mt.argTypes = append(mt.argTypes, in)
	}
	if mt.hasResult {
		mt.download = ft.Out(0).Implements(readerType)
	}
	return mt, true
}

// decodeArgs maps Request.Parameters positionally onto the non-stream parameters.
// Missing trailing parameters take their zero value.
func (m *methodType) decodeArgs(c codec.Codec, req *message.Request) ([]reflect.Value, error) {
	args := make([]reflect.Value, len(m.argTypes))
	p := 0
	for i, t := range m.argTypes {
		if i == m.uploadArg {
			upload := req.Upload
			if upload == nil {
				upload = strings.NewReader("")
			}
			args[i] = reflect.ValueOf(&upload).Elem()
			continue
		}
		v := reflect.New(t)
		if p < len(req.Parameters) && !isNull(req.Parameters[p]) {
			if err := c.Decode(req.Parameters[p], v.Interface()); err != nil {
				return nil, fmt.Errorf("%s: decode parameter %d: %w", m.method.Name, p, err)
			}
		}
		p++
		args[i] = v.Elem()
	}
	if len(req.Parameters) > p {
		return nil, fmt.Errorf("%s: expected %d parameters, got %d", m.method.Name, p, len(req.Parameters))
	}
	return args, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// call invokes the method on rcvr and splits the results.
func (m *methodType) call(ctx context.Context, rcvr reflect.Value, args []reflect.Value) (any, error) {
	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, rcvr)
	if m.takesCtx {
		in = append(in, reflect.ValueOf(&ctx).Elem())
	}
	in = append(in, args...)

	results := m.method.Func.Call(in)
	errV := results[len(results)-1]
	if !errV.IsNil() {
		return nil, errV.Interface().(error)
	}
	if !m.hasResult {
		return nil, nil
	}
	return results[0].Interface(), nil
}
