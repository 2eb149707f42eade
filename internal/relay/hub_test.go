package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/frak-id/pairing-relay/internal/errors"
	"github.com/frak-id/pairing-relay/internal/model"
	"github.com/frak-id/pairing-relay/internal/service"
	"github.com/frak-id/pairing-relay/internal/transport"
)

const testSecret = "test-secret"

// memBus is a single-node Bus: publishes fan out to local subscribers only.
type memBus struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]bool
}

func newMemBus() *memBus {
	return &memBus{topics: make(map[string]map[*Subscription]bool)}
}

func (b *memBus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		Topic:    topic,
		Messages: make(chan model.Message, subscriptionBuffer),
		Done:     make(chan struct{}),
	}
	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*Subscription]bool)
	}
	b.topics[topic][sub] = true
	b.mu.Unlock()
	return sub
}

func (b *memBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[sub.Topic]; ok && subs[sub] {
		delete(subs, sub)
		close(sub.Done)
	}
}

func (b *memBus) Publish(_ context.Context, topic string, msg model.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.topics[topic] {
		select {
		case sub.Messages <- msg:
		default:
		}
	}
	return nil
}

type fakePairingStore struct {
	mu       sync.Mutex
	pairings map[string]*model.Pairing
	touches  int
}

func newFakePairingStore() *fakePairingStore {
	return &fakePairingStore{pairings: make(map[string]*model.Pairing)}
}

func (s *fakePairingStore) Create(_ context.Context, originName, userAgent string, ssoID *string) (*model.Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	p := &model.Pairing{
		PairingID:       uuid.NewString(),
		PairingCode:     "123456",
		OriginName:      originName,
		OriginUserAgent: userAgent,
		SsoID:           ssoID,
		CreatedAt:       now,
		LastActiveAt:    now,
	}
	s.pairings[p.PairingID] = p
	cp := *p
	return &cp, nil
}

func (s *fakePairingStore) Find(_ context.Context, pairingID string) (*model.Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pairings[pairingID]
	if !ok {
		return nil, apperrors.NotFound("Pairing")
	}
	cp := *p
	return &cp, nil
}

func (s *fakePairingStore) ListForWallet(_ context.Context, wallet string) ([]model.Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Pairing
	for _, p := range s.pairings {
		if p.Wallet != nil && *p.Wallet == wallet {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fakePairingStore) Join(_ context.Context, pairingID, pairingCode, wallet, targetName, userAgent string) (*model.Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pairings[pairingID]
	if !ok {
		return nil, apperrors.NotFound("Pairing")
	}
	if p.PairingCode != pairingCode {
		return nil, apperrors.InvalidPairingCode()
	}
	if p.ResolvedAt != nil {
		return nil, apperrors.PairingAlreadyResolved()
	}
	now := time.Now()
	p.Wallet = &wallet
	p.TargetName = &targetName
	p.TargetUserAgent = &userAgent
	p.ResolvedAt = &now
	p.LastActiveAt = now
	cp := *p
	return &cp, nil
}

func (s *fakePairingStore) Touch(_ context.Context, pairingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pairings[pairingID]; ok {
		p.LastActiveAt = time.Now()
		s.touches++
	}
	return nil
}

func (s *fakePairingStore) seed(p model.Pairing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairings[p.PairingID] = &p
}

type fakeSignatureStore struct {
	mu   sync.Mutex
	rows map[string]*model.SignatureRequest
}

func newFakeSignatureStore() *fakeSignatureStore {
	return &fakeSignatureStore{rows: make(map[string]*model.SignatureRequest)}
}

func sigKey(pairingID, requestID string) string { return pairingID + "/" + requestID }

func (s *fakeSignatureStore) Create(_ context.Context, params model.CreateSignatureRequestParams) (*model.SignatureRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := &model.SignatureRequest{
		PairingID: params.PairingID,
		RequestID: params.RequestID,
		Request:   params.Request,
		Context:   params.Context,
		CreatedAt: time.Now(),
	}
	s.rows[sigKey(params.PairingID, params.RequestID)] = row
	cp := *row
	return &cp, nil
}

func (s *fakeSignatureStore) MarkProcessed(_ context.Context, pairingID, requestID, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[sigKey(pairingID, requestID)]; ok {
		now := time.Now()
		row.Signature = &signature
		row.ProcessedAt = &now
	}
	return nil
}

func (s *fakeSignatureStore) Delete(_ context.Context, pairingID, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, sigKey(pairingID, requestID))
	return nil
}

func (s *fakeSignatureStore) ListPending(_ context.Context, pairingIDs []string) ([]model.SignatureRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]bool, len(pairingIDs))
	for _, id := range pairingIDs {
		ids[id] = true
	}
	var out []model.SignatureRequest
	for _, row := range s.rows {
		if ids[row.PairingID] && row.ProcessedAt == nil {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeSignatureStore) DeleteStale(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}

func (s *fakeSignatureStore) get(pairingID, requestID string) *model.SignatureRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[sigKey(pairingID, requestID)]; ok {
		cp := *row
		return &cp
	}
	return nil
}

type hubFixture struct {
	bus    *memBus
	store  *fakePairingStore
	sigs   *fakeSignatureStore
	tokens *service.TokenService
	srv    *httptest.Server
	dialer *transport.WSDialer
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	f := &hubFixture{
		bus:    newMemBus(),
		store:  newFakePairingStore(),
		sigs:   newFakeSignatureStore(),
		tokens: service.NewTokenService(testSecret),
	}
	hub := NewHub(f.bus, f.store, f.sigs, f.tokens)
	f.srv = httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(f.srv.Close)
	f.dialer = transport.NewWSDialer("ws" + strings.TrimPrefix(f.srv.URL, "http"))
	return f
}

func mintTargetToken(t *testing.T, wallet string) string {
	t.Helper()
	claims := &model.WalletClaims{
		Type:    model.WalletTokenWebAuthn,
		Address: wallet,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func recvMessage(t *testing.T, ch transport.Channel, want model.MessageType) model.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-ch.Receive():
			require.True(t, ok, "channel closed while waiting for %s", want)
			if msg.Type == want {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func expectClose(t *testing.T, ch transport.Channel, code int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch.Receive():
			if !ok {
				// drained; terminal error is on Done
				select {
				case err := <-ch.Done():
					var closeErr *websocket.CloseError
					require.ErrorAs(t, err, &closeErr)
					assert.Equal(t, code, closeErr.Code)
					return
				case <-deadline:
					t.Fatal("no terminal error after close")
				}
			}
		case err := <-ch.Done():
			var closeErr *websocket.CloseError
			require.ErrorAs(t, err, &closeErr)
			assert.Equal(t, code, closeErr.Code)
			return
		case <-deadline:
			t.Fatal("connection was not closed")
		}
	}
}

// joinedPair runs the full initiate+join handshake, returning both live
// channels and the resolved pairing id.
func joinedPair(t *testing.T, f *hubFixture) (origin, target transport.Channel, pairingID string) {
	t.Helper()
	ctx := context.Background()

	origin, err := f.dialer.Dial(ctx, transport.ConnectParams{
		Action:     transport.ActionInitiate,
		DeviceName: "Dashboard",
	})
	require.NoError(t, err)
	t.Cleanup(func() { origin.Close() })

	initiated := recvMessage(t, origin, model.MsgPairingInitiated)
	var ack model.PairingInitiatedPayload
	require.NoError(t, initiated.DecodePayload(&ack))

	target, err = f.dialer.Dial(ctx, transport.ConnectParams{
		Action:      transport.ActionJoin,
		PairingID:   ack.PairingID,
		PairingCode: ack.PairingCode,
		WalletToken: mintTargetToken(t, "0xwallet"),
		DeviceName:  "iPhone",
	})
	require.NoError(t, err)
	t.Cleanup(func() { target.Close() })

	recvMessage(t, origin, model.MsgPartnerConnected)
	recvMessage(t, target, model.MsgPartnerConnected)
	return origin, target, ack.PairingID
}

func TestHub_Initiate(t *testing.T) {
	f := newHubFixture(t)

	ch, err := f.dialer.Dial(context.Background(), transport.ConnectParams{
		Action:     transport.ActionInitiate,
		DeviceName: "Dashboard",
	})
	require.NoError(t, err)
	defer ch.Close()

	msg := recvMessage(t, ch, model.MsgPairingInitiated)
	var payload model.PairingInitiatedPayload
	require.NoError(t, msg.DecodePayload(&payload))
	assert.NotEmpty(t, payload.PairingID)
	assert.Len(t, payload.PairingCode, 6)

	stored, err := f.store.Find(context.Background(), payload.PairingID)
	require.NoError(t, err)
	assert.Equal(t, "Dashboard", stored.OriginName)
	assert.False(t, stored.Resolved())
}

func TestHub_JoinFlow(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()

	origin, err := f.dialer.Dial(ctx, transport.ConnectParams{
		Action:     transport.ActionInitiate,
		DeviceName: "Dashboard",
	})
	require.NoError(t, err)
	defer origin.Close()

	initiated := recvMessage(t, origin, model.MsgPairingInitiated)
	var ack model.PairingInitiatedPayload
	require.NoError(t, initiated.DecodePayload(&ack))

	target, err := f.dialer.Dial(ctx, transport.ConnectParams{
		Action:      transport.ActionJoin,
		PairingID:   ack.PairingID,
		PairingCode: ack.PairingCode,
		WalletToken: mintTargetToken(t, "0xwallet"),
		DeviceName:  "iPhone",
	})
	require.NoError(t, err)
	defer target.Close()

	// Origin learns its partner and receives the delegated session.
	connected := recvMessage(t, origin, model.MsgPartnerConnected)
	var partner model.PartnerConnectedPayload
	require.NoError(t, connected.DecodePayload(&partner))
	assert.Equal(t, "iPhone", partner.DeviceName)

	authed := recvMessage(t, origin, model.MsgAuthenticated)
	var auth model.AuthenticatedPayload
	require.NoError(t, authed.DecodePayload(&auth))
	claims, err := f.tokens.Verify(auth.Token)
	require.NoError(t, err)
	assert.True(t, claims.IsOrigin())
	assert.Equal(t, "0xwallet", claims.Address)
	assert.Equal(t, ack.PairingID, claims.PairingID)

	// Target gets the handshake ack naming the origin device.
	targetAck := recvMessage(t, target, model.MsgPartnerConnected)
	var targetPartner model.PartnerConnectedPayload
	require.NoError(t, targetAck.DecodePayload(&targetPartner))
	assert.Equal(t, "Dashboard", targetPartner.DeviceName)

	stored, err := f.store.Find(ctx, ack.PairingID)
	require.NoError(t, err)
	assert.True(t, stored.Resolved())
	require.NotNil(t, stored.Wallet)
	assert.Equal(t, "0xwallet", *stored.Wallet)
}

func TestHub_JoinRejections(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	pairing, err := f.store.Create(ctx, "Dashboard", "Dashboard", nil)
	require.NoError(t, err)

	dial := func(id, code, token string) transport.Channel {
		ch, err := f.dialer.Dial(ctx, transport.ConnectParams{
			Action:      transport.ActionJoin,
			PairingID:   id,
			PairingCode: code,
			WalletToken: token,
		})
		require.NoError(t, err)
		t.Cleanup(func() { ch.Close() })
		return ch
	}

	t.Run("wrong code is forbidden and leaves the pairing untouched", func(t *testing.T) {
		ch := dial(pairing.PairingID, "000000", mintTargetToken(t, "0xwallet"))
		expectClose(t, ch, CloseForbidden)

		stored, err := f.store.Find(ctx, pairing.PairingID)
		require.NoError(t, err)
		assert.False(t, stored.Resolved())
		assert.Nil(t, stored.Wallet)
	})

	t.Run("unknown pairing id", func(t *testing.T) {
		ch := dial(uuid.NewString(), "123456", mintTargetToken(t, "0xwallet"))
		expectClose(t, ch, CloseNotFound)
	})

	t.Run("missing wallet token", func(t *testing.T) {
		ch := dial(pairing.PairingID, "123456", "")
		expectClose(t, ch, CloseUnauthorized)
	})

	t.Run("already resolved pairing is forbidden", func(t *testing.T) {
		ch := dial(pairing.PairingID, "123456", mintTargetToken(t, "0xfirst"))
		recvMessage(t, ch, model.MsgPartnerConnected)

		second := dial(pairing.PairingID, "123456", mintTargetToken(t, "0xsecond"))
		expectClose(t, second, CloseForbidden)
	})
}

func TestHub_BareConnectionRequiresToken(t *testing.T) {
	f := newHubFixture(t)
	ch, err := f.dialer.Dial(context.Background(), transport.ConnectParams{})
	require.NoError(t, err)
	defer ch.Close()
	expectClose(t, ch, CloseUnauthorized)
}

func TestHub_SignatureRoundTrip(t *testing.T) {
	f := newHubFixture(t)
	origin, target, pairingID := joinedPair(t, f)

	require.NoError(t, origin.Send(model.MustMessage(model.MsgSignatureRequest, model.SignatureRequestPayload{
		ID:      "r1",
		Request: "0xdead",
	})))

	// Target sees the request with routing metadata filled in.
	msg := recvMessage(t, target, model.MsgSignatureRequest)
	var req model.SignatureRequestPayload
	require.NoError(t, msg.DecodePayload(&req))
	assert.Equal(t, pairingID, req.PairingID)
	assert.Equal(t, "0xdead", req.Request)
	assert.Equal(t, "Dashboard", req.PartnerDeviceName)

	// The request is durable until answered.
	row := f.sigs.get(pairingID, "r1")
	require.NotNil(t, row)
	assert.Nil(t, row.ProcessedAt)

	require.NoError(t, target.Send(model.MustMessage(model.MsgSignatureResponse, model.SignatureResponsePayload{
		PairingID: pairingID,
		ID:        "r1",
		Signature: "0xsig",
	})))

	resp := recvMessage(t, origin, model.MsgSignatureResponse)
	var answer model.SignatureResponsePayload
	require.NoError(t, resp.DecodePayload(&answer))
	assert.Equal(t, "r1", answer.ID)
	assert.Equal(t, "0xsig", answer.Signature)

	require.Eventually(t, func() bool {
		row := f.sigs.get(pairingID, "r1")
		return row != nil && row.ProcessedAt != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHub_SignatureReject(t *testing.T) {
	f := newHubFixture(t)
	origin, target, pairingID := joinedPair(t, f)

	require.NoError(t, origin.Send(model.MustMessage(model.MsgSignatureRequest, model.SignatureRequestPayload{
		ID:      "r1",
		Request: "0xdead",
	})))
	recvMessage(t, target, model.MsgSignatureRequest)

	require.NoError(t, target.Send(model.MustMessage(model.MsgSignatureReject, model.SignatureRejectPayload{
		PairingID: pairingID,
		ID:        "r1",
		Reason:    "user declined",
	})))

	rej := recvMessage(t, origin, model.MsgSignatureReject)
	var reject model.SignatureRejectPayload
	require.NoError(t, rej.DecodePayload(&reject))
	assert.Equal(t, "user declined", reject.Reason)

	require.Eventually(t, func() bool {
		return f.sigs.get(pairingID, "r1") == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHub_PingPong(t *testing.T) {
	f := newHubFixture(t)
	origin, target, pairingID := joinedPair(t, f)

	require.NoError(t, origin.Send(model.Message{Type: model.MsgPing}))

	ping := recvMessage(t, target, model.MsgPing)
	var pingPayload model.PingPayload
	require.NoError(t, ping.DecodePayload(&pingPayload))
	assert.Equal(t, pairingID, pingPayload.PairingID)

	require.NoError(t, target.Send(model.MustMessage(model.MsgPong, model.PongPayload{PairingID: pairingID})))
	recvMessage(t, origin, model.MsgPong)

	// The exchange keeps the pairing alive.
	require.Eventually(t, func() bool {
		f.store.mu.Lock()
		defer f.store.mu.Unlock()
		return f.store.touches >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHub_TargetReconnect(t *testing.T) {
	t.Run("wallet with no pairings is turned away", func(t *testing.T) {
		f := newHubFixture(t)
		ch, err := f.dialer.Dial(context.Background(), transport.ConnectParams{
			WalletToken: mintTargetToken(t, "0xnobody"),
		})
		require.NoError(t, err)
		defer ch.Close()
		expectClose(t, ch, CloseNoConnection)
	})

	t.Run("resubscribes pairings and redelivers unanswered requests", func(t *testing.T) {
		f := newHubFixture(t)
		ctx := context.Background()

		wallet := "0xwallet"
		targetName := "iPhone"
		now := time.Now()
		f.store.seed(model.Pairing{
			PairingID:    "p1",
			PairingCode:  "123456",
			OriginName:   "Dashboard",
			Wallet:       &wallet,
			TargetName:   &targetName,
			ResolvedAt:   &now,
			CreatedAt:    now,
			LastActiveAt: now,
		})
		_, err := f.sigs.Create(ctx, model.CreateSignatureRequestParams{
			PairingID: "p1", RequestID: "r1", Request: "0xdead",
		})
		require.NoError(t, err)
		require.NoError(t, f.sigs.MarkProcessed(ctx, "p1", "r1", "0xsig"))
		_, err = f.sigs.Create(ctx, model.CreateSignatureRequestParams{
			PairingID: "p1", RequestID: "r2", Request: "0xbeef",
		})
		require.NoError(t, err)

		ch, err := f.dialer.Dial(ctx, transport.ConnectParams{
			WalletToken: mintTargetToken(t, wallet),
			DeviceName:  targetName,
		})
		require.NoError(t, err)
		defer ch.Close()

		ack := recvMessage(t, ch, model.MsgPartnerConnected)
		var partner model.PartnerConnectedPayload
		require.NoError(t, ack.DecodePayload(&partner))
		assert.Equal(t, "p1", partner.PairingID)
		assert.Equal(t, "Dashboard", partner.DeviceName)

		// Only the unanswered request comes back.
		redelivered := recvMessage(t, ch, model.MsgSignatureRequest)
		var req model.SignatureRequestPayload
		require.NoError(t, redelivered.DecodePayload(&req))
		assert.Equal(t, "r2", req.ID)
		assert.Equal(t, "0xbeef", req.Request)
		assert.Equal(t, "Dashboard", req.PartnerDeviceName)
	})
}

func TestHub_OriginReconnect(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()

	wallet := "0xwallet"
	targetName := "iPhone"
	now := time.Now()
	f.store.seed(model.Pairing{
		PairingID:    "p1",
		PairingCode:  "123456",
		OriginName:   "Dashboard",
		Wallet:       &wallet,
		TargetName:   &targetName,
		ResolvedAt:   &now,
		CreatedAt:    now,
		LastActiveAt: now,
	})

	token, _, err := f.tokens.MintDistantWebAuthn(wallet, "p1")
	require.NoError(t, err)

	// The target is already listening; it should hear the origin return.
	targetSub := f.bus.Subscribe("pairing:target:p1")
	defer f.bus.Unsubscribe(targetSub)

	ch, err := f.dialer.Dial(ctx, transport.ConnectParams{
		WalletToken: token,
		DeviceName:  "Dashboard",
	})
	require.NoError(t, err)
	defer ch.Close()

	// Origin is told its resolved partner right away.
	ack := recvMessage(t, ch, model.MsgPartnerConnected)
	var partner model.PartnerConnectedPayload
	require.NoError(t, ack.DecodePayload(&partner))
	assert.Equal(t, "iPhone", partner.DeviceName)

	select {
	case msg := <-targetSub.Messages:
		assert.Equal(t, model.MsgPartnerConnected, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("target topic never heard the origin reconnect")
	}

	t.Run("token bound to a missing pairing", func(t *testing.T) {
		missing, _, err := f.tokens.MintDistantWebAuthn(wallet, "gone")
		require.NoError(t, err)
		ch, err := f.dialer.Dial(ctx, transport.ConnectParams{WalletToken: missing})
		require.NoError(t, err)
		defer ch.Close()
		expectClose(t, ch, CloseNotFound)
	})
}

func TestHub_InvalidFrame(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()

	origin, err := f.dialer.Dial(ctx, transport.ConnectParams{
		Action:     transport.ActionInitiate,
		DeviceName: "Dashboard",
	})
	require.NoError(t, err)
	defer origin.Close()
	recvMessage(t, origin, model.MsgPairingInitiated)

	// Drop beneath the transport wrapper to write a garbage frame.
	raw, _, err := websocket.DefaultDialer.DialContext(ctx,
		"ws"+strings.TrimPrefix(f.srv.URL, "http")+"?action=initiate", nil)
	require.NoError(t, err)
	defer raw.Close()

	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte("not json")))

	for {
		_, _, err := raw.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			require.ErrorAs(t, err, &closeErr)
			assert.Equal(t, CloseInvalidMessage, closeErr.Code)
			return
		}
	}
}

func TestHub_InvalidWalletToken(t *testing.T) {
	f := newHubFixture(t)
	ch, err := f.dialer.Dial(context.Background(), transport.ConnectParams{
		WalletToken: "garbage",
	})
	require.NoError(t, err)
	defer ch.Close()
	expectClose(t, ch, CloseUnauthorized)
}
