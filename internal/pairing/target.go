package pairing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/frak-id/pairing-relay/internal/errors"
	"github.com/frak-id/pairing-relay/internal/model"
	"github.com/frak-id/pairing-relay/internal/signer"
	"github.com/frak-id/pairing-relay/internal/transport"
)

// TargetClient is the pairing client for the wallet holding the signing
// key. It surfaces incoming signature requests for user approval and
// answers them through the injected signer.
type TargetClient struct {
	*client

	signer      signer.Signer
	walletToken string
	deviceName  string

	handledMu sync.Mutex
	handled   map[string]bool // ids with a response already sent
	pairingOf map[string]string
}

func NewTargetClient(dialer transport.Dialer, sign signer.Signer, walletToken, deviceName string, opts ...Option) *TargetClient {
	c := &TargetClient{
		client:      newClient(dialer, opts...),
		signer:      sign,
		walletToken: walletToken,
		deviceName:  deviceName,
		handled:     make(map[string]bool),
		pairingOf:   make(map[string]string),
	}
	c.client.handle = c.handleMessage
	return c
}

// JoinPairing authorizes this wallet against a pairing displayed on another
// device. The state flips to connecting immediately; paired follows once
// the relay acknowledges the join.
func (c *TargetClient) JoinPairing(ctx context.Context, pairingID, pairingCode string) {
	c.connect(ctx, transport.ConnectParams{
		Action:      transport.ActionJoin,
		PairingID:   pairingID,
		PairingCode: pairingCode,
		WalletToken: c.walletToken,
		DeviceName:  c.deviceName,
	})
}

// Reconnect re-attaches to every pairing resolved by this wallet; the relay
// replays any signature request that arrived while the wallet was away.
func (c *TargetClient) Reconnect(ctx context.Context) {
	c.connect(ctx, transport.ConnectParams{
		WalletToken: c.walletToken,
		DeviceName:  c.deviceName,
	})
}

// Retry re-runs the last connection attempt after a retry-error.
func (c *TargetClient) Retry(ctx context.Context) {
	c.retry(ctx)
}

// Disconnect drops the channel and clears every surfaced request.
func (c *TargetClient) Disconnect() {
	c.disconnect()
	c.handledMu.Lock()
	c.handled = make(map[string]bool)
	c.pairingOf = make(map[string]string)
	c.handledMu.Unlock()
}

// State returns the current snapshot.
func (c *TargetClient) State() State {
	return c.atom.Get()
}

// Approve signs the pending request and sends the signature back to the
// origin. Approving an unknown or already-answered id is a no-op.
func (c *TargetClient) Approve(ctx context.Context, id string) error {
	entry, ok := c.claim(id)
	if !ok {
		return nil
	}

	signature, err := c.signer.Sign(ctx, entry.Request)
	if err != nil {
		// Nothing was sent; the request stays pending and may be retried.
		c.release(id)
		if apperrors.IsAppError(err) {
			return err
		}
		return apperrors.SigningUnavailable(err)
	}

	msg := model.MustMessage(model.MsgSignatureResponse, model.SignatureResponsePayload{
		PairingID: c.pairingIDOf(id),
		ID:        id,
		Signature: signature,
	})
	if err := c.send(msg); err != nil {
		c.release(id)
		return apperrors.Transport("failed to send signature response", err)
	}

	c.removePending(id)
	log.Info().Str("requestId", id).Msg("signature request approved")
	return nil
}

// Reject declines the pending request. Rejecting an unknown or
// already-answered id is a no-op.
func (c *TargetClient) Reject(ctx context.Context, id, reason string) error {
	if _, ok := c.claim(id); !ok {
		return nil
	}

	msg := model.MustMessage(model.MsgSignatureReject, model.SignatureRejectPayload{
		PairingID: c.pairingIDOf(id),
		ID:        id,
		Reason:    reason,
	})
	if err := c.send(msg); err != nil {
		c.release(id)
		return apperrors.Transport("failed to send signature reject", err)
	}

	c.removePending(id)
	log.Info().Str("requestId", id).Str("reason", reason).Msg("signature request rejected")
	return nil
}

func (c *TargetClient) handleMessage(epoch uint64, msg model.Message) {
	if c.stale(epoch) {
		return
	}

	switch msg.Type {
	case model.MsgPartnerConnected:
		var payload model.PartnerConnectedPayload
		if err := msg.DecodePayload(&payload); err != nil {
			log.Warn().Err(err).Msg("malformed partner-connected payload")
			return
		}
		c.atom.update(func(s *State) {
			s.Status = StatusPaired
			s.PartnerDevice = payload.DeviceName
			if payload.PairingID != "" {
				s.Pairing = &Info{ID: payload.PairingID}
			}
		})

	case model.MsgPing:
		var payload model.PingPayload
		_ = msg.DecodePayload(&payload)
		reply := model.MustMessage(model.MsgPong, model.PongPayload{PairingID: payload.PairingID})
		if err := c.send(reply); err != nil {
			log.Warn().Err(err).Msg("failed to answer ping")
		}

	case model.MsgSignatureRequest:
		var payload model.SignatureRequestPayload
		if err := msg.DecodePayload(&payload); err != nil {
			log.Warn().Err(err).Msg("malformed signature-request payload")
			return
		}
		c.surfaceRequest(payload)

	default:
		log.Debug().Str("type", string(msg.Type)).Msg("ignoring unexpected message on target channel")
	}
}

// surfaceRequest appends a request to the observable pending list, keeping
// arrival order and deduplicating redeliveries by id.
func (c *TargetClient) surfaceRequest(payload model.SignatureRequestPayload) {
	c.handledMu.Lock()
	if c.handled[payload.ID] {
		c.handledMu.Unlock()
		return
	}
	c.pairingOf[payload.ID] = payload.PairingID
	c.handledMu.Unlock()

	c.atom.update(func(s *State) {
		for _, existing := range s.PendingSignatures {
			if existing.ID == payload.ID {
				return
			}
		}
		s.PendingSignatures = append(s.PendingSignatures, PendingSignature{
			ID:                payload.ID,
			Request:           payload.Request,
			Context:           payload.Context,
			PartnerDeviceName: payload.PartnerDeviceName,
			CreatedAt:         time.Now(),
		})
	})
}

// claim marks an id as being answered, returning its pending entry. The
// mark guarantees at most one response is ever sent per id.
func (c *TargetClient) claim(id string) (PendingSignature, bool) {
	var entry PendingSignature
	found := false
	for _, p := range c.atom.Get().PendingSignatures {
		if p.ID == id {
			entry = p
			found = true
			break
		}
	}
	if !found {
		return PendingSignature{}, false
	}

	c.handledMu.Lock()
	defer c.handledMu.Unlock()
	if c.handled[id] {
		return PendingSignature{}, false
	}
	c.handled[id] = true
	return entry, true
}

func (c *TargetClient) release(id string) {
	c.handledMu.Lock()
	defer c.handledMu.Unlock()
	delete(c.handled, id)
}

func (c *TargetClient) pairingIDOf(id string) string {
	c.handledMu.Lock()
	defer c.handledMu.Unlock()
	return c.pairingOf[id]
}

func (c *TargetClient) removePending(id string) {
	c.atom.update(func(s *State) {
		s.PendingSignatures = removePending(s.PendingSignatures, id)
	})
}
