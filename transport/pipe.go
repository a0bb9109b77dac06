package transport

import (
	"context"
	"io"
	"net"
)

// UnixDialer connects to a local stream socket. It plays the role a named pipe
// plays on other platforms: a same-host channel addressed by a path.
type UnixDialer struct {
	path   string
	dialer net.Dialer
}

func Unix(path string) *UnixDialer {
	return &UnixDialer{path: path}
}

func (d *UnixDialer) Network() string { return "unix" }

func (d *UnixDialer) Address() string { return d.path }

func (d *UnixDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	return d.dialer.DialContext(ctx, "unix", d.path)
}

// ListenUnix creates the socket at path. The file is removed when the listener closes.
func ListenUnix(path string) (*NetListener, error) {
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return NewNetListener(l), nil
}
