// Package config loads client and server settings from TOML.
//
//	[log]
//	level = "debug"
//
//	[client]
//	network = "tcp"
//	address = "127.0.0.1:7600"
//	request_timeout = "30s"
//	connect_timeout = "5s"
//
//	[client.backoff]
//	initial_delay = "250ms"
//	max_attempts = 5
//
//	[server]
//	network = "tcp"
//	address = "127.0.0.1:7600"
//	rate_limit = 200.0
//
// Keys left out keep the value from Default.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"duplex-rpc/logging"
	"duplex-rpc/protocol"
	"duplex-rpc/transport"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// Duration is a time.Duration written as a string ("5s", "250ms").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Log    logging.Config `toml:"log"`
	Client ClientConfig   `toml:"client"`
	Server ServerConfig   `toml:"server"`
}

type BackoffConfig struct {
	InitialDelay Duration `toml:"initial_delay"`
	Multiplier   float64  `toml:"multiplier"`
	MaxDelay     Duration `toml:"max_delay"`
	Jitter       bool     `toml:"jitter"`
	MaxAttempts  int      `toml:"max_attempts"`
}

type ClientConfig struct {
	Network string `toml:"network"` // tcp, unix or ws
	Address string `toml:"address"` // for ws: host:port/path

	// RequestTimeout applies to calls that do not set their own. Zero disables it.
	RequestTimeout Duration      `toml:"request_timeout"`
	ConnectTimeout Duration      `toml:"connect_timeout"`
	MaxFrameSize   uint32        `toml:"max_frame_size"`
	Backoff        BackoffConfig `toml:"backoff"`
}

type ServerConfig struct {
	Network         string   `toml:"network"` // tcp, unix or ws
	Address         string   `toml:"address"` // for ws: host:port/path
	MaxFrameSize    uint32   `toml:"max_frame_size"`
	RateLimit       float64  `toml:"rate_limit"` // requests per second, 0 = unlimited
	RateBurst       int      `toml:"rate_burst"`
	Concurrency     int64    `toml:"concurrency"` // handlers running at once, 0 = unbounded
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

func Default() Config {
	b := transport.DefaultBackoff()
	return Config{
		Log: logging.DefaultConfig(),
		Client: ClientConfig{
			Network:        "tcp",
			Address:        "127.0.0.1:7600",
			ConnectTimeout: Duration(5 * time.Second),
			MaxFrameSize:   protocol.DefaultLimits().MaxBodySize,
			Backoff: BackoffConfig{
				InitialDelay: Duration(b.InitialDelay),
				Multiplier:   b.Multiplier,
				MaxDelay:     Duration(b.MaxDelay),
				Jitter:       b.Jitter,
				MaxAttempts:  b.MaxAttempts,
			},
		},
		Server: ServerConfig{
			Network:         "tcp",
			Address:         "127.0.0.1:7600",
			MaxFrameSize:    protocol.DefaultLimits().MaxBodySize,
			ShutdownTimeout: Duration(10 * time.Second),
		},
	}
}

// Load reads path on top of Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return cfg, nil
}

func Parse(data string) (Config, error) {
	cfg := Default()
	meta, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown key %q", undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Client.RequestTimeout < 0 || c.Client.ConnectTimeout < 0 {
		return fmt.Errorf("client timeouts must not be negative")
	}
	if c.Client.Backoff.MaxAttempts < 0 {
		return fmt.Errorf("client.backoff.max_attempts must not be negative")
	}
	if err := validateEndpoint("client", c.Client.Network, c.Client.Address); err != nil {
		return err
	}
	if err := validateEndpoint("server", c.Server.Network, c.Server.Address); err != nil {
		return err
	}
	if c.Server.RateLimit < 0 || c.Server.Concurrency < 0 {
		return fmt.Errorf("server.rate_limit and server.concurrency must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		return fmt.Errorf("server.rate_burst must be positive when rate_limit is set")
	}
	return nil
}

func validateEndpoint(section, network, address string) error {
	switch network {
	case "tcp", "unix", "ws":
	default:
		return fmt.Errorf("%s.network %q is not one of tcp, unix, ws", section, network)
	}
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("%s.address is empty", section)
	}
	return nil
}

// Logger builds the logger described by the [log] section.
func (c Config) Logger() (*zap.Logger, error) {
	return logging.New(c.Log)
}

func (b BackoffConfig) Transport() transport.BackoffConfig {
	return transport.BackoffConfig{
		InitialDelay: b.InitialDelay.Std(),
		Multiplier:   b.Multiplier,
		MaxDelay:     b.MaxDelay.Std(),
		Jitter:       b.Jitter,
		MaxAttempts:  b.MaxAttempts,
	}
}

func (c ClientConfig) Limits() protocol.Limits {
	return protocol.Limits{MaxBodySize: c.MaxFrameSize}
}

// Dialer returns a retrying dialer for Network and Address.
func (c ClientConfig) Dialer(log *zap.Logger) (transport.Dialer, error) {
	var d transport.Dialer
	switch c.Network {
	case "tcp":
		d = transport.TCP(c.Address)
	case "unix":
		d = transport.Unix(c.Address)
	case "ws":
		d = transport.WebSocket("ws://"+c.Address, nil)
	default:
		return nil, fmt.Errorf("unknown network %q", c.Network)
	}
	return transport.WithRetry(d, c.Backoff.Transport(), transport.WithRetryLogger(log)), nil
}

func (s ServerConfig) Limits() protocol.Limits {
	return protocol.Limits{MaxBodySize: s.MaxFrameSize}
}

// Listen opens the listener described by Network and Address.
func (s ServerConfig) Listen(log *zap.Logger) (transport.Listener, error) {
	var (
		l   transport.Listener
		err error
	)
	switch s.Network {
	case "tcp":
		l, err = transport.ListenTCP(s.Address)
	case "unix":
		l, err = transport.ListenUnix(s.Address)
	case "ws":
		host, path, _ := strings.Cut(s.Address, "/")
		l, err = transport.ListenWebSocket(host, "/"+path, log)
	default:
		return nil, fmt.Errorf("unknown network %q", s.Network)
	}
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", s.Network, s.Address, err)
	}
	return l, nil
}
