package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"duplex-rpc/config"
	"duplex-rpc/connection"
	"duplex-rpc/message"
	"duplex-rpc/metrics"
	"duplex-rpc/protocol"
	"duplex-rpc/server"
	"duplex-rpc/service"
	"duplex-rpc/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type FooError struct{ Reason string }

func (e *FooError) Error() string { return e.Reason }

type Computing struct {
	canceled chan struct{}
}

func (c *Computing) AddFloat(a, b float64) (float64, error) { return a + b, nil }

func (c *Computing) Echo(n int) (int, error) { return n, nil }

func (c *Computing) Sleep(ctx context.Context, ms int) (bool, error) {
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *Computing) Infinite(ctx context.Context) error {
	<-ctx.Done()
	if c.canceled != nil {
		c.canceled <- struct{}{}
	}
	return ctx.Err()
}

func (c *Computing) Fail() error { return fmt.Errorf("outer: %w", &FooError{Reason: "Foo"}) }

func (c *Computing) AddViaCallback(ctx context.Context, a, b float64) (float64, error) {
	caller, ok := service.CallerFrom(ctx)
	if !ok {
		return 0, errors.New("no caller")
	}
	var sum float64
	err := caller.Invoke(ctx, "Arithmetic", "AddFloat", &sum, a, b)
	return sum, err
}

func (c *Computing) Checksum(r io.Reader) (int, error) {
	data, err := io.ReadAll(r)
	sum := 0
	for _, b := range data {
		sum += int(b)
	}
	return sum, err
}

func (c *Computing) Text(s string, n int) (io.Reader, error) {
	return strings.NewReader(strings.Repeat(s, n)), nil
}

type Arithmetic struct{}

func (a *Arithmetic) AddFloat(x, y float64) (float64, error) { return x + y, nil }

// ComputingClient is the typed view of the "Computing" endpoint.
type ComputingClient struct{ c *Client }

func (p ComputingClient) AddFloat(ctx context.Context, a, b float64) (float64, error) {
	var sum float64
	err := p.c.Call(ctx, "AddFloat", &sum, a, b)
	return sum, err
}

func (p ComputingClient) Infinite(ctx context.Context) error {
	return p.c.Call(ctx, "Infinite", nil)
}

type listenFunc func(t *testing.T) (transport.Listener, transport.Dialer)

func tcpListener(t *testing.T) (transport.Listener, transport.Dialer) {
	l, err := transport.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	return l, transport.TCP(l.Addr())
}

func unixListener(t *testing.T) (transport.Listener, transport.Dialer) {
	path := filepath.Join(t.TempDir(), "rpc.sock")
	l, err := transport.ListenUnix(path)
	require.NoError(t, err)
	return l, transport.Unix(path)
}

func wsListener(t *testing.T) (transport.Listener, transport.Dialer) {
	l, err := transport.ListenWebSocket("127.0.0.1:0", "/rpc", nil)
	require.NoError(t, err)
	return l, transport.WebSocket("ws://"+l.Addr()+"/rpc", nil)
}

func serve(t *testing.T, computing *Computing, listen listenFunc) (*server.Server, transport.Dialer) {
	t.Helper()
	d := service.New()
	require.NoError(t, d.Register("Computing", computing))
	srv := server.New(d)
	l, dialer := listen(t)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Shutdown(time.Second) })
	return srv, dialer
}

func registry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	reg := NewRegistry(opts...)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRoundTripOverEveryTransport(t *testing.T) {
	transports := map[string]listenFunc{"tcp": tcpListener, "unix": unixListener, "ws": wsListener}
	for name, listen := range transports {
		t.Run(name, func(t *testing.T) {
			_, dialer := serve(t, &Computing{}, listen)
			calc := ComputingClient{New(registry(t), "Computing", dialer)}

			sum, err := calc.AddFloat(context.Background(), 1.23, 4.56)
			require.NoError(t, err)
			assert.InDelta(t, 5.79, sum, 1e-9)
		})
	}
}

func TestConcurrentCallsShareOneConnection(t *testing.T) {
	_, dialer := serve(t, &Computing{}, tcpListener)
	reg := registry(t)
	c := New(reg, "Computing", dialer)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var got int
			if assert.NoError(t, c.Call(context.Background(), "Echo", &got, n)) {
				assert.Equal(t, n, got)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, reg.Len())
}

func TestCancellation(t *testing.T) {
	computing := &Computing{canceled: make(chan struct{}, 1)}
	_, dialer := serve(t, computing, tcpListener)
	calc := ComputingClient{New(registry(t), "Computing", dialer)}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	err := calc.Infinite(ctx)
	assert.Less(t, time.Since(start), 200*time.Millisecond+20*time.Millisecond)

	var canceled *connection.CanceledError
	require.ErrorAs(t, err, &canceled)
	assert.ErrorIs(t, err, context.Canceled)

	select {
	case <-computing.canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("remote handler was not canceled")
	}
}

func TestTimeoutKeepsConnectionUsable(t *testing.T) {
	_, dialer := serve(t, &Computing{}, tcpListener)
	reg := registry(t)
	c := New(reg, "Computing", dialer, WithRequestTimeout(10*100*time.Nanosecond))

	err := c.Call(context.Background(), "Sleep", nil, 100)
	var timeout *connection.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.EqualError(t, err, "Sleep timed out.")

	unlimited := New(reg, "Computing", dialer)
	var sum float64
	require.NoError(t, unlimited.Call(context.Background(), "AddFloat", &sum, 1, 2))
	assert.Equal(t, 3.0, sum)
	assert.Equal(t, 1, reg.Len())
}

func TestReconnectAfterForcedClose(t *testing.T) {
	_, dialer := serve(t, &Computing{}, tcpListener)
	reg := registry(t)
	calc := ComputingClient{New(reg, "Computing", dialer)}

	_, err := calc.AddFloat(context.Background(), 1, 1)
	require.NoError(t, err)

	first, err := reg.GetOrConnect(context.Background(), KeyOf(dialer, ""), dialer)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	sum, err := calc.AddFloat(context.Background(), 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5.0, sum)

	second, err := reg.GetOrConnect(context.Background(), KeyOf(dialer, ""), dialer)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, connection.StateConnected, second.State())
}

func TestReconnectAfterServerDropsConnection(t *testing.T) {
	srv, dialer := serve(t, &Computing{}, unixListener)
	reg := registry(t)
	calc := ComputingClient{New(reg, "Computing", dialer)}

	_, err := calc.AddFloat(context.Background(), 1, 1)
	require.NoError(t, err)

	conn, err := reg.GetOrConnect(context.Background(), KeyOf(dialer, ""), dialer)
	require.NoError(t, err)

	// Drop the server side of the stream only; the listener stays up.
	dropped := make(chan struct{})
	go func() {
		<-conn.Done()
		close(dropped)
	}()
	require.Eventually(t, func() bool { return srv.Connections() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, srv.DisconnectAll())
	<-dropped

	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, time.Millisecond)
	sum, err := calc.AddFloat(context.Background(), 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 4.0, sum)
}

func TestRetryOnlyWhenRequestNeverLeft(t *testing.T) {
	_, dialer := serve(t, &Computing{}, tcpListener)
	c := New(registry(t), "Computing", dialer)

	attempts := 0
	var sum float64
	err := c.do(context.Background(), func(conn *connection.Connection) error {
		attempts++
		if attempts == 1 {
			conn.Close()
		}
		return conn.Invoke(context.Background(), "Computing", "AddFloat", &sum, 1, 2)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 3.0, sum)

	attempts = 0
	err = c.do(context.Background(), func(conn *connection.Connection) error {
		attempts++
		return fmt.Errorf("%w: reset mid-call", connection.ErrDisconnected)
	})
	assert.ErrorIs(t, err, connection.ErrDisconnected)
	assert.Equal(t, 1, attempts)
}

func TestRemoteErrorChain(t *testing.T) {
	_, dialer := serve(t, &Computing{}, tcpListener)
	c := New(registry(t), "Computing", dialer)

	err := c.Call(context.Background(), "Fail", nil)
	var remote *message.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "outer: Foo", remote.Message)
	assert.True(t, message.IsType[*FooError](err))
	assert.False(t, message.IsType[*connection.TimeoutError](err))
}

func TestCallbackRouting(t *testing.T) {
	_, dialer := serve(t, &Computing{}, tcpListener)

	callbacks := service.New()
	require.NoError(t, callbacks.Register("Arithmetic", &Arithmetic{}))
	c := New(registry(t, WithCallbacks(callbacks)), "Computing", dialer)

	var sum float64
	require.NoError(t, c.Call(context.Background(), "AddViaCallback", &sum, 2.5, 4))
	assert.Equal(t, 6.5, sum)
}

func TestCallbackWithoutHandlerFails(t *testing.T) {
	_, dialer := serve(t, &Computing{}, tcpListener)
	c := New(registry(t), "Computing", dialer)

	err := c.Call(context.Background(), "AddViaCallback", nil, 1, 2)
	assert.True(t, message.IsType[*connection.NoHandlerError](err))
}

func TestUploadAndDownload(t *testing.T) {
	_, dialer := serve(t, &Computing{}, tcpListener)
	c := New(registry(t), "Computing", dialer)

	payload := bytes.Repeat([]byte{1, 2, 3, 4}, 10_000)
	var sum int
	require.NoError(t, c.Upload(context.Background(), "Checksum", bytes.NewReader(payload), int64(len(payload)), &sum))
	assert.Equal(t, 100_000, sum)

	rc, err := c.Download(context.Background(), "Text", "ab", 3)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "ababab", string(data))
}

type countingDialer struct {
	transport.Dialer
	dials atomic.Int32
}

func (d *countingDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	d.dials.Add(1)
	time.Sleep(10 * time.Millisecond)
	return d.Dialer.Dial(ctx)
}

func TestConcurrentConnectsDialOnce(t *testing.T) {
	_, dialer := serve(t, &Computing{}, tcpListener)
	counting := &countingDialer{Dialer: dialer}
	reg := registry(t)

	var wg sync.WaitGroup
	conns := make([]*connection.Connection, 20)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := reg.GetOrConnect(context.Background(), KeyOf(counting, ""), counting)
			assert.NoError(t, err)
			conns[i] = c
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, counting.dials.Load())
	for _, c := range conns {
		assert.Same(t, conns[0], c)
	}
}

func TestKeyParamsSeparateConnections(t *testing.T) {
	_, dialer := serve(t, &Computing{}, tcpListener)
	reg := registry(t)

	a := New(reg, "Computing", dialer)
	b := New(reg, "Computing", dialer, WithKeyParams("tenant=b"))
	require.NoError(t, a.Call(context.Background(), "Echo", nil, 1))
	require.NoError(t, b.Call(context.Background(), "Echo", nil, 1))
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, "tcp://"+dialer.Address()+"?tenant=b", b.key.String())
}

func TestConnectError(t *testing.T) {
	l, dialer := tcpListener(t)
	require.NoError(t, l.Close())

	m := metrics.New(prometheus.NewRegistry())
	reg := registry(t, WithMetrics(m))
	retrying := transport.WithRetry(dialer, transport.BackoffConfig{InitialDelay: time.Millisecond, MaxAttempts: 2})
	c := New(reg, "Computing", retrying)

	err := c.Call(context.Background(), "Echo", nil, 1)
	var connectErr *ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.Equal(t, "tcp", connectErr.Key.Network)
	assert.Contains(t, err.Error(), "giving up after 2 attempts")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connects.WithLabelValues("failure")))
	assert.Zero(t, reg.Len())
}

func TestBeforeCallHook(t *testing.T) {
	_, dialer := serve(t, &Computing{}, tcpListener)
	var seen []string
	hook := func(ctx context.Context, call *connection.CallOptions) error {
		seen = append(seen, call.Endpoint+"."+call.Method)
		if call.Method == "Sleep" {
			call.Timeout = time.Millisecond
		}
		if call.Method == "Fail" {
			return errors.New("blocked locally")
		}
		return nil
	}
	c := New(registry(t), "Computing", dialer, WithBeforeCall(hook))

	var timeout *connection.TimeoutError
	assert.ErrorAs(t, c.Call(context.Background(), "Sleep", nil, 1000), &timeout)
	assert.EqualError(t, c.Call(context.Background(), "Fail", nil), "blocked locally")
	assert.Equal(t, []string{"Computing.Sleep", "Computing.Fail"}, seen)
}

func TestRegistryEvictsAndCloses(t *testing.T) {
	srv, dialer := serve(t, &Computing{}, tcpListener)
	m := metrics.New(prometheus.NewRegistry())
	reg := NewRegistry(WithMetrics(m))
	c := New(reg, "Computing", dialer)

	require.NoError(t, c.Call(context.Background(), "Echo", nil, 1))
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections))

	require.NoError(t, srv.Shutdown(time.Second))
	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Evictions))

	require.NoError(t, reg.Close())
	_, err := reg.GetOrConnect(context.Background(), KeyOf(dialer, ""), dialer)
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestGetOrConnectHonorsContext(t *testing.T) {
	blocking := &blockingDialer{release: make(chan struct{})}
	defer close(blocking.release)
	reg := registry(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := reg.GetOrConnect(ctx, Key{Network: "fake", Address: "x"}, blocking)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type blockingDialer struct{ release chan struct{} }

func (d *blockingDialer) Network() string { return "fake" }
func (d *blockingDialer) Address() string { return "x" }

func (d *blockingDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	<-d.release
	return nil, errors.New("released")
}

func TestFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "rpc.sock")
	path := filepath.Join(dir, "rpc.toml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
[log]
level = "error"

[client]
network = "unix"
address = %[1]q
request_timeout = "200ms"
connect_timeout = "2s"
max_frame_size = 4096

[client.backoff]
initial_delay = "10ms"
max_attempts = 3

[server]
network = "unix"
address = %[1]q
shutdown_timeout = "1s"
`, sock)), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	log, err := cfg.Logger()
	require.NoError(t, err)

	d := service.New()
	require.NoError(t, d.Register("Computing", &Computing{}))
	srv := server.FromConfig(d, cfg.Server, server.WithLogger(log))
	l, err := cfg.Server.Listen(log)
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Stop() })

	reg := RegistryFromConfig(cfg.Client, WithLogger(log))
	t.Cleanup(func() { reg.Close() })
	assert.Equal(t, 2*time.Second, reg.connectTimeout)
	assert.EqualValues(t, 4096, reg.limits.MaxBodySize)

	calc, err := FromConfig(reg, "Computing", cfg.Client)
	require.NoError(t, err)
	assert.Equal(t, Key{Network: "unix", Address: sock}, calc.key)

	var sum float64
	require.NoError(t, calc.Call(context.Background(), "AddFloat", &sum, 1.23, 4.56))
	assert.InDelta(t, 5.79, sum, 1e-9)

	err = calc.Call(context.Background(), "Sleep", nil, 5000)
	assert.EqualError(t, err, "Sleep timed out.")

	err = calc.Call(context.Background(), "AddFloat", &sum, strings.Repeat("x", 8192), 1)
	assert.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	assert.Equal(t, 1, reg.Len())
}
