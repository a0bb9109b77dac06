package transport

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
	// MaxAttempts bounds the number of dials; zero retries until ctx ends.
	MaxAttempts int
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
		MaxAttempts:  5,
	}
}

// delay reports how long to wait after the given failed attempt (1-based), or
// false once MaxAttempts dials have been made. With Jitter the wait is drawn
// between half and all of the exponential delay, so it never exceeds MaxDelay.
func (b BackoffConfig) delay(attempt int, jitter func() float64) (time.Duration, bool) {
	if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
		return 0, false
	}
	growth := max(b.Multiplier, 1)
	d := b.InitialDelay
	for i := 1; i < attempt && (b.MaxDelay <= 0 || d < b.MaxDelay); i++ {
		d = time.Duration(float64(d) * growth)
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	if b.Jitter && jitter != nil && d > 0 {
		d = d/2 + time.Duration(jitter()*float64(d/2))
	}
	return d, true
}

// BeforeDialFunc runs before every dial attempt. Returning an error stops retrying.
type BeforeDialFunc func(ctx context.Context, attempt int) error

type RetryOption func(*RetryDialer)

func WithBeforeDial(hook BeforeDialFunc) RetryOption {
	return func(r *RetryDialer) { r.beforeDial = hook }
}

func WithRetryLogger(l *zap.Logger) RetryOption {
	return func(r *RetryDialer) {
		if l != nil {
			r.log = l
		}
	}
}

// RetryDialer retries a Dialer with exponential backoff. It reports the same
// Network and Address as the dialer it wraps, so connections are still shared
// per remote.
type RetryDialer struct {
	Dialer
	backoff    BackoffConfig
	beforeDial BeforeDialFunc
	log        *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func WithRetry(d Dialer, cfg BackoffConfig, opts ...RetryOption) *RetryDialer {
	r := &RetryDialer{
		Dialer:  d,
		backoff: cfg,
		log:     zap.NewNop(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RetryDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	for attempt := 1; ; attempt++ {
		if r.beforeDial != nil {
			if err := r.beforeDial(ctx, attempt); err != nil {
				return nil, err
			}
		}
		rwc, err := r.Dialer.Dial(ctx)
		if err == nil {
			return rwc, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		delay, ok := r.nextDelay(attempt)
		if !ok {
			return nil, fmt.Errorf("dial %s %s: giving up after %d attempts: %w", r.Network(), r.Address(), attempt, err)
		}
		r.log.Debug("dial failed, retrying", zap.String("address", r.Address()),
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial %s %s: %w (last error: %v)", r.Network(), r.Address(), ctx.Err(), err)
		}
	}
}

func (r *RetryDialer) nextDelay(attempt int) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backoff.delay(attempt, r.rng.Float64)
}
