package connection

import (
	"duplex-rpc/codec"
	"duplex-rpc/metrics"
	"duplex-rpc/protocol"

	"go.uber.org/zap"
)

type Option func(*options)

type options struct {
	logger  *zap.Logger
	handler Handler
	codec   codec.Codec
	limits  protocol.Limits
	metrics *metrics.Metrics
	name    string

	spoolThreshold int64
	spoolDir       string
}

func defaultOptions() options {
	return options{
		logger: zap.NewNop(),
		codec:  codec.GetCodec(codec.CodecTypeJSON),
		limits: protocol.DefaultLimits(),

		spoolThreshold: DefaultSpoolThreshold,
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHandler sets the dispatcher for requests initiated by the remote peer.
// Without one, every inbound request is answered with a NoHandlerError.
func WithHandler(h Handler) Option {
	return func(o *options) { o.handler = h }
}

func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

func WithLimits(l protocol.Limits) Option {
	return func(o *options) { o.limits = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithName labels the connection's log lines, usually with the remote address.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithSpool sets how large a received upload or download may be before it is
// copied to a temporary file in dir instead of memory. An empty dir means os.TempDir.
func WithSpool(threshold int64, dir string) Option {
	return func(o *options) {
		if threshold >= 0 {
			o.spoolThreshold = threshold
		}
		o.spoolDir = dir
	}
}
