// Package transport opens the byte streams that connections run on.
//
// Every transport produces an io.ReadWriteCloser carrying the same framed
// protocol, so a Dialer on one side only has to agree with the Listener on the
// other about how bytes get across.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
)

var ErrListenerClosed = errors.New("transport: listener closed")

// Dialer opens client-side streams. Network and Address identify the remote
// and are used to share connections.
type Dialer interface {
	Network() string
	Address() string
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// Listener hands out server-side streams.
type Listener interface {
	Accept() (io.ReadWriteCloser, error)
	Close() error
	Addr() string
}

// NetListener adapts a net.Listener.
type NetListener struct {
	l net.Listener
}

func NewNetListener(l net.Listener) *NetListener {
	return &NetListener{l: l}
}

func (n *NetListener) Accept() (io.ReadWriteCloser, error) {
	conn, err := n.l.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

func (n *NetListener) Close() error { return n.l.Close() }

func (n *NetListener) Addr() string { return n.l.Addr().String() }
