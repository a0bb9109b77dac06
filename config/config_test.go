package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"duplex-rpc/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[log]
level = "debug"

[client]
network = "unix"
address = "/tmp/duplex.sock"
request_timeout = "2s"
max_frame_size = 1048576

[client.backoff]
initial_delay = "100ms"
multiplier = 3.0
max_attempts = 2

[server]
network = "unix"
address = "/tmp/duplex.sock"
rate_limit = 50.0
rate_burst = 10
concurrency = 8
shutdown_timeout = "3s"
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpc.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "unix", cfg.Client.Network)
	assert.Equal(t, 2*time.Second, cfg.Client.RequestTimeout.Std())
	assert.Equal(t, 5*time.Second, cfg.Client.ConnectTimeout.Std(), "default kept")
	assert.EqualValues(t, 1<<20, cfg.Client.Limits().MaxBodySize)

	b := cfg.Client.Backoff.Transport()
	assert.Equal(t, 100*time.Millisecond, b.InitialDelay)
	assert.Equal(t, 3.0, b.Multiplier)
	assert.Equal(t, 2, b.MaxAttempts)
	assert.Equal(t, transport.DefaultBackoff().MaxDelay, b.MaxDelay)

	assert.Equal(t, "unix", cfg.Server.Network)
	assert.Equal(t, 50.0, cfg.Server.RateLimit)
	assert.EqualValues(t, 8, cfg.Server.Concurrency)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout.Std())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "config load failed")
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"bad duration":   "[client]\nrequest_timeout = \"soon\"\n",
		"unknown key":    "[client]\nretries = 3\n",
		"bad network":    "[server]\nnetwork = \"udp\"\n",
		"client network": "[client]\nnetwork = \"udp\"\n",
		"client address": "[client]\naddress = \" \"\n",
		"missing burst":  "[server]\nrate_limit = 5.0\n",
		"negative tries": "[client.backoff]\nmax_attempts = -1\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(data)
			assert.Error(t, err)
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestDialer(t *testing.T) {
	c := Default().Client
	c.Address = "127.0.0.1:1"
	for _, network := range []string{"tcp", "unix", "ws"} {
		c.Network = network
		d, err := c.Dialer(nil)
		require.NoError(t, err)
		assert.Equal(t, network, d.Network())
	}
	c.Network = "udp"
	_, err := c.Dialer(nil)
	assert.Error(t, err)
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Encoding = "json"
	log, err := cfg.Logger()
	require.NoError(t, err)
	assert.NotNil(t, log)

	cfg.Log.Encoding = "xml"
	_, err = cfg.Logger()
	assert.Error(t, err)
}

func TestListen(t *testing.T) {
	s := Default().Server
	s.Address = "127.0.0.1:0"
	l, err := s.Listen(nil)
	require.NoError(t, err)
	defer l.Close()
	assert.NotEqual(t, "127.0.0.1:0", l.Addr())

	s.Network = "unix"
	s.Address = filepath.Join(t.TempDir(), "s.sock")
	ul, err := s.Listen(nil)
	require.NoError(t, err)
	ul.Close()

	s.Network = "ws"
	s.Address = "127.0.0.1:0/rpc"
	wl, err := s.Listen(nil)
	require.NoError(t, err)
	wl.Close()
}
