// Package pairing implements the client half of the cross-device pairing
// protocol: a per-device state machine (idle, connecting, paired,
// retry-error) over an injected transport, with signature request
// correlation on the origin side and approval surfacing on the target side.
package pairing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/frak-id/pairing-relay/internal/config"
	"github.com/frak-id/pairing-relay/internal/model"
	"github.com/frak-id/pairing-relay/internal/transport"
)

var errHandshakeTimeout = errors.New("pairing handshake timed out")

type clientOptions struct {
	handshakeTimeout    time.Duration
	signatureTimeout    time.Duration
	connectInitialDelay time.Duration
	connectMaxDelay     time.Duration
	maxConnectAttempts  int
	pingInterval        time.Duration
	sweepInterval       time.Duration
}

func defaultOptions() clientOptions {
	return clientOptions{
		handshakeTimeout:    config.HandshakeTimeout,
		signatureTimeout:    config.SignatureTimeout,
		connectInitialDelay: config.ConnectInitialDelay,
		connectMaxDelay:     config.ConnectMaxDelay,
		maxConnectAttempts:  config.MaxConnectAttempts,
		pingInterval:        config.ClientPingInterval,
		sweepInterval:       config.ExpirySweepInterval,
	}
}

type Option func(*clientOptions)

// WithHandshakeTimeout bounds how long a connection may sit in connecting
// before the attempt is abandoned.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.handshakeTimeout = d }
}

// WithSignatureTimeout sets the per-request deadline for signature requests.
func WithSignatureTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.signatureTimeout = d }
}

// WithBackoff tunes the reconnect schedule: exponential from initial up to
// max, for at most attempts tries before surfacing retry-error.
func WithBackoff(initial, max time.Duration, attempts int) Option {
	return func(o *clientOptions) {
		o.connectInitialDelay = initial
		o.connectMaxDelay = max
		o.maxConnectAttempts = attempts
	}
}

// WithPingInterval tunes the origin-side keepalive cadence.
func WithPingInterval(d time.Duration) Option {
	return func(o *clientOptions) { o.pingInterval = d }
}

// WithSweepInterval tunes how often expired signature requests are reaped.
func WithSweepInterval(d time.Duration) Option {
	return func(o *clientOptions) { o.sweepInterval = d }
}

// client carries the connection lifecycle shared by both sides of a
// pairing. Every connection attempt gets a fresh epoch; anything tagged
// with an older epoch (a draining read loop, a late dial result) is
// discarded instead of mutating current state.
type client struct {
	dialer transport.Dialer
	atom   *StateAtom
	opts   clientOptions

	mu         sync.Mutex
	epoch      uint64
	ch         transport.Channel
	lastParams transport.ConnectParams

	// set by the concrete client before any connection is opened
	handle         func(epoch uint64, msg model.Message)
	onSessionStart func(ctx context.Context, epoch uint64)
}

func newClient(dialer transport.Dialer, opts ...Option) *client {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &client{
		dialer: dialer,
		atom:   NewStateAtom(),
		opts:   options,
	}
}

// StateAtom exposes the observable state consumed by UI surfaces.
func (c *client) StateAtom() *StateAtom {
	return c.atom
}

func (c *client) stale(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch != epoch
}

// connect opens a new epoch and drives the dial/retry loop in the
// background. The state flips to connecting before this returns.
func (c *client) connect(ctx context.Context, params transport.ConnectParams) {
	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	c.lastParams = params
	if old := c.ch; old != nil {
		c.ch = nil
		go old.Close()
	}
	c.mu.Unlock()

	c.atom.update(func(s *State) { s.Status = StatusConnecting })
	go c.connectLoop(ctx, epoch, params)
}

// retry re-runs the last connection attempt; the user-facing escape from
// retry-error.
func (c *client) retry(ctx context.Context) {
	c.mu.Lock()
	params := c.lastParams
	c.mu.Unlock()
	c.connect(ctx, params)
}

// disconnect flips the state to idle synchronously from any state; closing
// the underlying channel happens in the background. Always safe to call.
func (c *client) disconnect() {
	c.mu.Lock()
	c.epoch++
	ch := c.ch
	c.ch = nil
	c.mu.Unlock()

	if ch != nil {
		go ch.Close()
	}

	c.atom.update(func(s *State) {
		s.Status = StatusIdle
		s.Pairing = nil
		s.PartnerDevice = ""
		s.PendingSignatures = nil
	})
}

func (c *client) send(msg model.Message) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return transport.ErrClosed
	}
	return ch.Send(msg)
}

func (c *client) connectLoop(ctx context.Context, epoch uint64, params transport.ConnectParams) {
	delay := c.opts.connectInitialDelay
	attempt := 0

	for {
		attempt++
		if c.stale(epoch) || ctx.Err() != nil {
			return
		}

		ch, err := c.dialer.Dial(ctx, params)
		if err == nil {
			c.mu.Lock()
			if c.epoch != epoch {
				c.mu.Unlock()
				_ = ch.Close()
				return
			}
			c.ch = ch
			c.mu.Unlock()

			if c.onSessionStart != nil {
				c.onSessionStart(ctx, epoch)
			}

			wasPaired := false
			err = c.readLoop(ctx, epoch, ch, &wasPaired)
			if c.stale(epoch) || ctx.Err() != nil {
				return
			}

			// An established session that dropped gets a fresh retry
			// budget; a handshake that never completed does not.
			if wasPaired {
				attempt = 0
				delay = c.opts.connectInitialDelay
			}
			c.atom.update(func(s *State) { s.Status = StatusConnecting })
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Msg("pairing connection attempt failed")

		if attempt >= c.opts.maxConnectAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, c.opts.connectMaxDelay)
	}

	if c.stale(epoch) {
		return
	}
	log.Error().Int("attempts", attempt).Msg("pairing connection attempts exhausted")
	c.atom.update(func(s *State) { s.Status = StatusRetryError })
}

// readLoop dispatches messages for one live connection until it drops, the
// handshake deadline passes without reaching paired, or ctx ends.
func (c *client) readLoop(ctx context.Context, epoch uint64, ch transport.Channel, wasPaired *bool) error {
	handshake := time.NewTimer(c.opts.handshakeTimeout)
	defer handshake.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = ch.Close()
			return ctx.Err()

		case <-handshake.C:
			if c.atom.Get().Status == StatusConnecting {
				_ = ch.Close()
				return errHandshakeTimeout
			}

		case msg, ok := <-ch.Receive():
			if !ok {
				return <-ch.Done()
			}
			c.handle(epoch, msg)
			if c.atom.Get().Status == StatusPaired {
				*wasPaired = true
			}

		case err := <-ch.Done():
			return err
		}
	}
}
