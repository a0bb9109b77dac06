package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsCloseGrace = time.Second

// WebSocketDialer connects to a WebSocket endpoint such as ws://host:port/rpc.
// Frames travel as binary messages; message boundaries carry no meaning.
type WebSocketDialer struct {
	url    string
	header http.Header
	dialer websocket.Dialer
}

func WebSocket(url string, header http.Header) *WebSocketDialer {
	return &WebSocketDialer{
		url:    url,
		header: header,
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

func (d *WebSocketDialer) Network() string { return "ws" }

func (d *WebSocketDialer) Address() string { return d.url }

func (d *WebSocketDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.url, d.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return newWSConn(conn), nil
}

// WebSocketListener accepts WebSocket upgrades. It is an http.Handler, so it can
// be mounted on an existing mux; ListenWebSocket runs it on its own server.
type WebSocketListener struct {
	upgrader websocket.Upgrader
	log      *zap.Logger
	addr     string
	srv      *http.Server

	conns     chan io.ReadWriteCloser
	done      chan struct{}
	closeOnce sync.Once
}

func NewWebSocketListener(addr string, log *zap.Logger) *WebSocketListener {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketListener{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:   log,
		addr:  addr,
		conns: make(chan io.ReadWriteCloser),
		done:  make(chan struct{}),
	}
}

// ListenWebSocket serves upgrades at path on address.
func ListenWebSocket(address, path string, log *zap.Logger) (*WebSocketListener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	wl := NewWebSocketListener(l.Addr().String(), log)
	mux := http.NewServeMux()
	mux.Handle(path, wl)
	wl.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := wl.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			wl.log.Warn("websocket server stopped", zap.Error(err))
		}
	}()
	return wl, nil
}

func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	select {
	case l.conns <- newWSConn(conn):
	case <-l.done:
		conn.Close()
	}
}

func (l *WebSocketListener) Accept() (io.ReadWriteCloser, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *WebSocketListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		if l.srv != nil {
			err = l.srv.Close()
		}
	})
	return err
}

func (l *WebSocketListener) Addr() string { return l.addr }

// wsConn presents a WebSocket as a byte stream. Reads continue across message
// boundaries; every Write becomes one binary message.
type wsConn struct {
	conn *websocket.Conn

	rmu sync.Mutex
	r   io.Reader

	wmu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for {
		if c.r == nil {
			_, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
	return c.conn.Close()
}
