package pairing

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/frak-id/pairing-relay/internal/config"
	apperrors "github.com/frak-id/pairing-relay/internal/errors"
	"github.com/frak-id/pairing-relay/internal/model"
	"github.com/frak-id/pairing-relay/internal/transport"
)

// AuthenticatedFunc is invoked when the target resolves the pairing and the
// relay hands the origin its delegated wallet session.
type AuthenticatedFunc func(token string, wallet model.WalletClaims)

type originPending struct {
	deferred *Deferred[string]
	deadline time.Time
}

// OriginClient is the pairing client for the device that initiates a
// pairing and later asks the remote wallet for signatures.
type OriginClient struct {
	*client

	onAuthenticated AuthenticatedFunc
	deviceName      string
	pendingPings    atomic.Int32

	pendMu  sync.Mutex
	pending map[string]*originPending

	stopSweep chan struct{}
	sweepOnce sync.Once
}

func NewOriginClient(dialer transport.Dialer, deviceName string, onAuthenticated AuthenticatedFunc, opts ...Option) *OriginClient {
	c := &OriginClient{
		client:          newClient(dialer, opts...),
		onAuthenticated: onAuthenticated,
		deviceName:      deviceName,
		pending:         make(map[string]*originPending),
		stopSweep:       make(chan struct{}),
	}
	c.client.handle = c.handleMessage
	c.client.onSessionStart = c.startPingLoop
	go c.sweepLoop()
	return c
}

// Initiate opens a brand new pairing. The generated id and code land in the
// observable state once the relay acknowledges.
func (c *OriginClient) Initiate(ctx context.Context) {
	c.connect(ctx, transport.ConnectParams{
		Action:     transport.ActionInitiate,
		DeviceName: c.deviceName,
	})
}

// Reconnect re-attaches to an existing pairing using the delegated wallet
// token obtained from a previous authenticated handshake.
func (c *OriginClient) Reconnect(ctx context.Context, walletToken string) {
	c.connect(ctx, transport.ConnectParams{
		WalletToken: walletToken,
		DeviceName:  c.deviceName,
	})
}

// Retry re-runs the last connection attempt after a retry-error.
func (c *OriginClient) Retry(ctx context.Context) {
	c.retry(ctx)
}

// Disconnect tears the channel down and rejects every in-flight signature
// request; no response can arrive once the channel is gone.
func (c *OriginClient) Disconnect() {
	c.disconnect()
	c.failAllPending(apperrors.Disconnected())
}

// Close releases the client entirely. The client must not be reused.
func (c *OriginClient) Close() {
	c.Disconnect()
	c.sweepOnce.Do(func() { close(c.stopSweep) })
}

// State returns the current snapshot, reaping expired requests first so an
// observer never sees a request past its deadline.
func (c *OriginClient) State() State {
	c.expirePending(time.Now())
	return c.atom.Get()
}

// RequestSignature asks the paired wallet to sign the given payload and
// blocks until the target answers, the request times out, or the channel
// drops. The returned promise-like settles exactly once per request id.
func (c *OriginClient) RequestSignature(ctx context.Context, request string, reqContext json.RawMessage) (string, error) {
	if c.atom.Get().Status != StatusPaired {
		return "", apperrors.NotPaired()
	}

	id := uuid.NewString()
	deadline := time.Now().Add(c.opts.signatureTimeout)
	pending := &originPending{
		deferred: NewDeferred[string](),
		deadline: deadline,
	}

	c.pendMu.Lock()
	c.pending[id] = pending
	c.pendMu.Unlock()

	c.atom.update(func(s *State) {
		s.PendingSignatures = append(s.PendingSignatures, PendingSignature{
			ID:        id,
			Request:   request,
			Context:   reqContext,
			CreatedAt: time.Now(),
			Deadline:  deadline,
		})
	})

	msg := model.MustMessage(model.MsgSignatureRequest, model.SignatureRequestPayload{
		ID:      id,
		Request: request,
		Context: reqContext,
	})
	if err := c.send(msg); err != nil {
		// A send failure is scoped to this one request; the shared
		// connection state is left alone.
		c.settlePending(id, "", apperrors.Transport("failed to send signature request", err))
	}

	return pending.deferred.Await(ctx)
}

func (c *OriginClient) handleMessage(epoch uint64, msg model.Message) {
	if c.stale(epoch) {
		return
	}

	switch msg.Type {
	case model.MsgPairingInitiated:
		var payload model.PairingInitiatedPayload
		if err := msg.DecodePayload(&payload); err != nil {
			log.Warn().Err(err).Msg("malformed pairing-initiated payload")
			return
		}
		c.atom.update(func(s *State) {
			s.Status = StatusConnecting
			s.Pairing = &Info{ID: payload.PairingID, Code: payload.PairingCode}
		})

	case model.MsgPartnerConnected:
		var payload model.PartnerConnectedPayload
		if err := msg.DecodePayload(&payload); err != nil {
			log.Warn().Err(err).Msg("malformed partner-connected payload")
			return
		}
		c.atom.update(func(s *State) {
			s.Status = StatusPaired
			s.PartnerDevice = payload.DeviceName
		})

	case model.MsgAuthenticated:
		var payload model.AuthenticatedPayload
		if err := msg.DecodePayload(&payload); err != nil {
			log.Warn().Err(err).Msg("malformed authenticated payload")
			return
		}
		c.atom.update(func(s *State) { s.Status = StatusPaired })
		if c.onAuthenticated != nil {
			c.onAuthenticated(payload.Token, payload.Wallet)
		}

	case model.MsgPong:
		c.pendingPings.Store(0)
		c.atom.update(func(s *State) { s.Status = StatusPaired })

	case model.MsgSignatureResponse:
		var payload model.SignatureResponsePayload
		if err := msg.DecodePayload(&payload); err != nil {
			log.Warn().Err(err).Msg("malformed signature-response payload")
			return
		}
		c.settlePending(payload.ID, payload.Signature, nil)

	case model.MsgSignatureReject:
		var payload model.SignatureRejectPayload
		if err := msg.DecodePayload(&payload); err != nil {
			log.Warn().Err(err).Msg("malformed signature-reject payload")
			return
		}
		reason := payload.Reason
		if reason == "" {
			reason = "Signature rejected"
		}
		c.settlePending(payload.ID, "", apperrors.New(apperrors.ErrCodeUserCancelled, reason))

	default:
		log.Debug().Str("type", string(msg.Type)).Msg("ignoring unexpected message on origin channel")
	}
}

// settlePending resolves or rejects one in-flight request and drops it from
// the pending map and the observable list. Requests already settled (or
// unknown ids from duplicate deliveries) are ignored.
func (c *OriginClient) settlePending(id, signature string, settleErr error) {
	c.pendMu.Lock()
	pending, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendMu.Unlock()
	if !ok {
		return
	}

	c.atom.update(func(s *State) {
		s.PendingSignatures = removePending(s.PendingSignatures, id)
	})

	if settleErr != nil {
		pending.deferred.Reject(settleErr)
	} else {
		pending.deferred.Resolve(signature)
	}
}

func (c *OriginClient) failAllPending(settleErr error) {
	c.pendMu.Lock()
	drained := c.pending
	c.pending = make(map[string]*originPending)
	c.pendMu.Unlock()

	for _, pending := range drained {
		pending.deferred.Reject(settleErr)
	}

	c.atom.update(func(s *State) { s.PendingSignatures = nil })
}

// expirePending rejects every request past its deadline with a timeout.
func (c *OriginClient) expirePending(now time.Time) {
	c.pendMu.Lock()
	var expired []string
	for id, pending := range c.pending {
		if now.After(pending.deadline) {
			expired = append(expired, id)
		}
	}
	c.pendMu.Unlock()

	for _, id := range expired {
		c.settlePending(id, "", apperrors.Timeout("Signature request"))
	}
}

func (c *OriginClient) sweepLoop() {
	ticker := time.NewTicker(c.opts.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopSweep:
			return
		case now := <-ticker.C:
			c.expirePending(now)
		}
	}
}

// startPingLoop keeps the relay session warm and detects half-dead
// connections: too many unanswered pings forces the channel closed so the
// connect loop re-establishes it.
func (c *OriginClient) startPingLoop(ctx context.Context, epoch uint64) {
	go func() {
		ticker := time.NewTicker(c.opts.pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if c.stale(epoch) {
					return
				}
				if c.pendingPings.Load() > config.MaxUnansweredPings {
					log.Warn().Msg("too many unanswered pings, recycling pairing connection")
					c.pendingPings.Store(0)
					c.mu.Lock()
					ch := c.ch
					c.mu.Unlock()
					if ch != nil {
						_ = ch.Close()
					}
					return
				}
				if err := c.send(model.Message{Type: model.MsgPing}); err != nil {
					return
				}
				c.pendingPings.Add(1)
			}
		}
	}()
}

func removePending(list []PendingSignature, id string) []PendingSignature {
	for i, p := range list {
		if p.ID == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
