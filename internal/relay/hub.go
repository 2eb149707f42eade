package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/frak-id/pairing-relay/internal/audit"
	"github.com/frak-id/pairing-relay/internal/config"
	apperrors "github.com/frak-id/pairing-relay/internal/errors"
	"github.com/frak-id/pairing-relay/internal/model"
	redisclient "github.com/frak-id/pairing-relay/internal/redis"
	"github.com/frak-id/pairing-relay/internal/repository"
	"github.com/frak-id/pairing-relay/internal/transport"
)

// Bus is the topic fan-out the hub publishes through; Broker is the redis
// backed implementation.
type Bus interface {
	Subscribe(topic string) *Subscription
	Unsubscribe(sub *Subscription)
	Publish(ctx context.Context, topic string, msg model.Message) error
}

// PairingStore is the slice of the pairing service the hub needs.
type PairingStore interface {
	Create(ctx context.Context, originName, userAgent string, ssoID *string) (*model.Pairing, error)
	Find(ctx context.Context, pairingID string) (*model.Pairing, error)
	ListForWallet(ctx context.Context, wallet string) ([]model.Pairing, error)
	Join(ctx context.Context, pairingID, pairingCode, wallet, targetName, userAgent string) (*model.Pairing, error)
	Touch(ctx context.Context, pairingID string) error
}

// TokenVerifier mints and checks wallet session tokens.
type TokenVerifier interface {
	MintDistantWebAuthn(wallet, pairingID string) (string, *model.WalletClaims, error)
	Verify(token string) (*model.WalletClaims, error)
}

// Hub terminates pairing websocket connections and routes frames between
// the two halves of each pairing.
type Hub struct {
	bus        Bus
	pairings   PairingStore
	signatures repository.SignatureRequestRepository
	tokens     TokenVerifier
	upgrader   websocket.Upgrader
}

func NewHub(bus Bus, pairings PairingStore, signatures repository.SignatureRequestRepository, tokens TokenVerifier) *Hub {
	return &Hub{
		bus:        bus,
		pairings:   pairings,
		signatures: signatures,
		tokens:     tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.WSMaxMessageBytes,
			WriteBufferSize: config.WSMaxMessageBytes,
			// Wallets and dashboards connect from arbitrary origins;
			// authorization happens through the wallet token instead.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeWS is the single websocket endpoint. The handshake mode is picked
// from the query: action=initiate opens a new pairing with no auth,
// action=join resolves one with a wallet token and code, and a bare
// connection with a wallet token re-attaches to existing pairings.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn := newWSConn(ws)
	defer conn.close()
	conn.configureRead()

	var claims *model.WalletClaims
	if token := walletToken(r); token != "" {
		claims, err = h.tokens.Verify(token)
		if err != nil {
			audit.LogFromRequest(r, audit.Event{Type: audit.EventAuthFailure})
			conn.closeWith(CloseUnauthorized, "invalid wallet token")
			return
		}
	}

	switch action := r.URL.Query().Get("action"); {
	case action == transport.ActionInitiate:
		h.handleInitiate(r, conn)
	case action == transport.ActionJoin:
		h.handleJoin(r, conn, claims)
	case claims == nil:
		conn.closeWith(CloseUnauthorized, "missing wallet token")
	case claims.IsOrigin():
		h.handleOriginReconnect(r, conn, claims)
	default:
		h.handleTargetReconnect(r, conn, claims)
	}
}

func (h *Hub) handleInitiate(r *http.Request, conn *wsConn) {
	ctx := r.Context()
	deviceName := r.UserAgent()

	var ssoID *string
	if v := r.URL.Query().Get("ssoId"); v != "" {
		ssoID = &v
	}

	pairing, err := h.pairings.Create(ctx, deviceName, r.UserAgent(), ssoID)
	if err != nil {
		log.Error().Err(err).Msg("failed to create pairing")
		conn.closeWith(websocket.CloseInternalServerErr, "failed to create pairing")
		return
	}

	log.Info().
		Str("pairingId", pairing.PairingID).
		Str("originName", deviceName).
		Msg("pairing initiated")
	audit.LogFromRequest(r, audit.Event{Type: audit.EventPairingInitiated, PairingID: pairing.PairingID})

	sub := h.bus.Subscribe(redisclient.OriginTopic(pairing.PairingID))
	defer h.bus.Unsubscribe(sub)

	conn.queue(model.MustMessage(model.MsgPairingInitiated, model.PairingInitiatedPayload{
		PairingID:   pairing.PairingID,
		PairingCode: pairing.PairingCode,
	}))

	h.runOrigin(ctx, conn, sub, pairing)
}

func (h *Hub) handleOriginReconnect(r *http.Request, conn *wsConn, claims *model.WalletClaims) {
	ctx := r.Context()

	if claims.PairingID == "" {
		conn.closeWith(CloseForbidden, "token is not bound to a pairing")
		return
	}
	pairing, err := h.pairings.Find(ctx, claims.PairingID)
	if err != nil || pairing == nil {
		conn.closeWith(CloseNotFound, "pairing not found")
		return
	}

	log.Info().
		Str("pairingId", pairing.PairingID).
		Str("wallet", claims.Address).
		Msg("origin reconnected")

	sub := h.bus.Subscribe(redisclient.OriginTopic(pairing.PairingID))
	defer h.bus.Unsubscribe(sub)

	_ = h.bus.Publish(ctx, redisclient.TargetTopic(pairing.PairingID), model.MustMessage(
		model.MsgPartnerConnected, model.PartnerConnectedPayload{
			PairingID:  pairing.PairingID,
			DeviceName: pairing.OriginName,
		}))

	if pairing.Resolved() && pairing.TargetName != nil {
		conn.queue(model.MustMessage(model.MsgPartnerConnected, model.PartnerConnectedPayload{
			PairingID:  pairing.PairingID,
			DeviceName: *pairing.TargetName,
		}))
	}

	h.runOrigin(ctx, conn, sub, pairing)
}

func (h *Hub) handleJoin(r *http.Request, conn *wsConn, claims *model.WalletClaims) {
	ctx := r.Context()

	if claims == nil {
		conn.closeWith(CloseUnauthorized, "missing wallet token")
		return
	}
	if !claims.IsTarget() {
		conn.closeWith(CloseForbidden, "only a wallet session can join a pairing")
		return
	}

	q := r.URL.Query()
	pairingID := q.Get("id")
	pairingCode := q.Get("pairingCode")
	if pairingID == "" || pairingCode == "" {
		conn.closeWith(CloseInvalidMessage, "missing pairing id or code")
		return
	}

	deviceName := r.UserAgent()
	pairing, err := h.pairings.Join(ctx, pairingID, pairingCode, claims.Address, deviceName, r.UserAgent())
	if err != nil {
		audit.LogFromRequest(r, audit.Event{Type: audit.EventJoinRejected, PairingID: pairingID, Wallet: claims.Address})
		switch {
		case apperrors.HasCode(err, apperrors.ErrCodeNotFound):
			conn.closeWith(CloseNotFound, "pairing not found")
		case apperrors.HasCode(err, apperrors.ErrCodeInvalidPairingCode),
			apperrors.HasCode(err, apperrors.ErrCodePairingResolved):
			conn.closeWith(CloseForbidden, "pairing cannot be joined")
		default:
			log.Error().Err(err).Str("pairingId", pairingID).Msg("failed to join pairing")
			conn.closeWith(websocket.CloseInternalServerErr, "failed to join pairing")
		}
		return
	}

	log.Info().
		Str("pairingId", pairing.PairingID).
		Str("wallet", claims.Address).
		Str("targetName", deviceName).
		Msg("pairing resolved")
	audit.LogFromRequest(r, audit.Event{Type: audit.EventPairingResolved, PairingID: pairing.PairingID, Wallet: claims.Address})

	sub := h.bus.Subscribe(redisclient.TargetTopic(pairing.PairingID))
	defer h.bus.Unsubscribe(sub)

	token, tokenClaims, err := h.tokens.MintDistantWebAuthn(claims.Address, pairing.PairingID)
	if err != nil {
		log.Error().Err(err).Msg("failed to mint origin wallet token")
		conn.closeWith(websocket.CloseInternalServerErr, "failed to mint wallet token")
		return
	}

	originTopic := redisclient.OriginTopic(pairing.PairingID)
	_ = h.bus.Publish(ctx, originTopic, model.MustMessage(model.MsgPartnerConnected, model.PartnerConnectedPayload{
		PairingID:  pairing.PairingID,
		DeviceName: deviceName,
	}))
	_ = h.bus.Publish(ctx, originTopic, model.MustMessage(model.MsgAuthenticated, model.AuthenticatedPayload{
		Token:  token,
		Wallet: *tokenClaims,
	}))

	conn.queue(model.MustMessage(model.MsgPartnerConnected, model.PartnerConnectedPayload{
		PairingID:  pairing.PairingID,
		DeviceName: pairing.OriginName,
	}))

	h.runTarget(ctx, conn, []*Subscription{sub}, map[string]*model.Pairing{pairing.PairingID: pairing})
}

func (h *Hub) handleTargetReconnect(r *http.Request, conn *wsConn, claims *model.WalletClaims) {
	ctx := r.Context()

	list, err := h.pairings.ListForWallet(ctx, claims.Address)
	if err != nil {
		log.Error().Err(err).Str("wallet", claims.Address).Msg("failed to list wallet pairings")
		conn.closeWith(websocket.CloseInternalServerErr, "failed to list pairings")
		return
	}
	if len(list) == 0 {
		conn.closeWith(CloseNoConnection, "no connection to connect to")
		return
	}

	log.Info().
		Str("wallet", claims.Address).
		Int("pairingCount", len(list)).
		Msg("target reconnected")

	subs := make([]*Subscription, 0, len(list))
	pairings := make(map[string]*model.Pairing, len(list))
	ids := make([]string, 0, len(list))
	deviceName := r.UserAgent()

	for i := range list {
		pairing := &list[i]
		pairings[pairing.PairingID] = pairing
		ids = append(ids, pairing.PairingID)

		sub := h.bus.Subscribe(redisclient.TargetTopic(pairing.PairingID))
		defer h.bus.Unsubscribe(sub)
		subs = append(subs, sub)

		connectedName := deviceName
		if pairing.TargetName != nil {
			connectedName = *pairing.TargetName
		}
		_ = h.bus.Publish(ctx, redisclient.OriginTopic(pairing.PairingID), model.MustMessage(
			model.MsgPartnerConnected, model.PartnerConnectedPayload{
				PairingID:  pairing.PairingID,
				DeviceName: connectedName,
			}))
		conn.queue(model.MustMessage(model.MsgPartnerConnected, model.PartnerConnectedPayload{
			PairingID:  pairing.PairingID,
			DeviceName: pairing.OriginName,
		}))
	}

	h.redeliverPending(ctx, conn, ids, pairings)
	h.runTarget(ctx, conn, subs, pairings)
}

// redeliverPending replays every signature request the wallet has not
// answered yet, oldest first.
func (h *Hub) redeliverPending(ctx context.Context, conn *wsConn, ids []string, pairings map[string]*model.Pairing) {
	requests, err := h.signatures.ListPending(ctx, ids)
	if err != nil {
		log.Error().Err(err).Msg("failed to list pending signature requests")
		return
	}

	for _, req := range requests {
		partnerName := ""
		if pairing, ok := pairings[req.PairingID]; ok {
			partnerName = pairing.OriginName
		}
		conn.queue(model.MustMessage(model.MsgSignatureRequest, model.SignatureRequestPayload{
			PairingID:         req.PairingID,
			ID:                req.RequestID,
			Request:           req.Request,
			Context:           req.Context,
			PartnerDeviceName: partnerName,
		}))
	}

	if len(requests) > 0 {
		log.Info().Int("count", len(requests)).Msg("redelivered pending signature requests")
	}
}

func (h *Hub) runOrigin(ctx context.Context, conn *wsConn, sub *Subscription, pairing *model.Pairing) {
	go forward(conn, sub)

	for {
		msg, err := conn.readMessage()
		if err != nil {
			if errors.Is(err, errInvalidFrame) {
				conn.closeWith(CloseInvalidMessage, "invalid message")
			}
			return
		}
		h.routeFromOrigin(ctx, pairing, msg)
	}
}

func (h *Hub) runTarget(ctx context.Context, conn *wsConn, subs []*Subscription, pairings map[string]*model.Pairing) {
	for _, sub := range subs {
		go forward(conn, sub)
	}

	for {
		msg, err := conn.readMessage()
		if err != nil {
			if errors.Is(err, errInvalidFrame) {
				conn.closeWith(CloseInvalidMessage, "invalid message")
			}
			return
		}
		h.routeFromTarget(ctx, pairings, msg)
	}
}

func (h *Hub) routeFromOrigin(ctx context.Context, pairing *model.Pairing, msg model.Message) {
	targetTopic := redisclient.TargetTopic(pairing.PairingID)

	switch msg.Type {
	case model.MsgPing:
		_ = h.bus.Publish(ctx, targetTopic, model.MustMessage(model.MsgPing, model.PingPayload{
			PairingID: pairing.PairingID,
		}))

	case model.MsgSignatureRequest:
		var payload model.SignatureRequestPayload
		if err := msg.DecodePayload(&payload); err != nil {
			log.Warn().Err(err).Msg("malformed signature-request from origin")
			return
		}
		payload.PairingID = pairing.PairingID
		payload.PartnerDeviceName = pairing.OriginName

		if _, err := h.signatures.Create(ctx, model.CreateSignatureRequestParams{
			PairingID: pairing.PairingID,
			RequestID: payload.ID,
			Request:   payload.Request,
			Context:   payload.Context,
		}); err != nil {
			log.Error().Err(err).Str("requestId", payload.ID).Msg("failed to persist signature request")
			return
		}
		h.touch(ctx, pairing.PairingID)
		_ = h.bus.Publish(ctx, targetTopic, model.MustMessage(model.MsgSignatureRequest, payload))

	default:
		log.Debug().Str("type", string(msg.Type)).Msg("ignoring unexpected message from origin")
	}
}

func (h *Hub) routeFromTarget(ctx context.Context, pairings map[string]*model.Pairing, msg model.Message) {
	switch msg.Type {
	case model.MsgPong:
		var payload model.PongPayload
		if err := msg.DecodePayload(&payload); err != nil {
			log.Warn().Err(err).Msg("malformed pong from target")
			return
		}
		if _, ok := pairings[payload.PairingID]; !ok {
			log.Warn().Str("pairingId", payload.PairingID).Msg("pong for a pairing this wallet does not hold")
			return
		}
		h.touch(ctx, payload.PairingID)
		_ = h.bus.Publish(ctx, redisclient.OriginTopic(payload.PairingID), model.MustMessage(model.MsgPong, payload))

	case model.MsgSignatureResponse:
		var payload model.SignatureResponsePayload
		if err := msg.DecodePayload(&payload); err != nil {
			log.Warn().Err(err).Msg("malformed signature-response from target")
			return
		}
		if _, ok := pairings[payload.PairingID]; !ok {
			log.Warn().Str("pairingId", payload.PairingID).Msg("signature-response for a pairing this wallet does not hold")
			return
		}
		if err := h.signatures.MarkProcessed(ctx, payload.PairingID, payload.ID, payload.Signature); err != nil {
			log.Error().Err(err).Str("requestId", payload.ID).Msg("failed to mark signature request processed")
		}
		h.touch(ctx, payload.PairingID)
		_ = h.bus.Publish(ctx, redisclient.OriginTopic(payload.PairingID), model.MustMessage(model.MsgSignatureResponse, payload))

	case model.MsgSignatureReject:
		var payload model.SignatureRejectPayload
		if err := msg.DecodePayload(&payload); err != nil {
			log.Warn().Err(err).Msg("malformed signature-reject from target")
			return
		}
		if _, ok := pairings[payload.PairingID]; !ok {
			log.Warn().Str("pairingId", payload.PairingID).Msg("signature-reject for a pairing this wallet does not hold")
			return
		}
		if err := h.signatures.Delete(ctx, payload.PairingID, payload.ID); err != nil {
			log.Error().Err(err).Str("requestId", payload.ID).Msg("failed to delete rejected signature request")
		}
		h.touch(ctx, payload.PairingID)
		_ = h.bus.Publish(ctx, redisclient.OriginTopic(payload.PairingID), model.MustMessage(model.MsgSignatureReject, payload))

	default:
		log.Debug().Str("type", string(msg.Type)).Msg("ignoring unexpected message from target")
	}
}

func (h *Hub) touch(ctx context.Context, pairingID string) {
	if err := h.pairings.Touch(ctx, pairingID); err != nil {
		log.Warn().Err(err).Str("pairingId", pairingID).Msg("failed to bump pairing activity")
	}
}

// forward drains one topic subscription into the connection until either
// side goes away.
func forward(conn *wsConn, sub *Subscription) {
	for {
		select {
		case msg := <-sub.Messages:
			conn.queue(msg)
		case <-sub.Done:
			return
		case <-conn.done:
			return
		}
	}
}

// walletToken pulls the wallet JWT from the Authorization header, falling
// back to the token query param for browser websocket clients that cannot
// set headers.
func walletToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
