package transport

import (
	"context"
	"io"
	"net"
)

type TCPDialer struct {
	address string
	dialer  net.Dialer
}

func TCP(address string) *TCPDialer {
	return &TCPDialer{address: address}
}

func (d *TCPDialer) Network() string { return "tcp" }

func (d *TCPDialer) Address() string { return d.address }

func (d *TCPDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	conn, err := d.dialer.DialContext(ctx, "tcp", d.address)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

// ListenTCP listens on address. Use "127.0.0.1:0" for an ephemeral port and
// read it back with Addr.
func ListenTCP(address string) (*NetListener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return NewNetListener(l), nil
}
