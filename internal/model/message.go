package model

import (
	"encoding/json"
	"fmt"
)

// MessageType enumerates every frame exchanged over a pairing channel.
type MessageType string

const (
	// Client -> server, routed to the peer
	MsgPing              MessageType = "ping"
	MsgPong              MessageType = "pong"
	MsgSignatureRequest  MessageType = "signature-request"
	MsgSignatureResponse MessageType = "signature-response"
	MsgSignatureReject   MessageType = "signature-reject"

	// Server -> client only
	MsgPairingInitiated MessageType = "pairing-initiated"
	MsgPartnerConnected MessageType = "partner-connected"
	MsgAuthenticated    MessageType = "authenticated"
)

// Message is the wire envelope for every pairing frame.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into a wire envelope.
func NewMessage(t MessageType, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Message{Type: t, Payload: data}, nil
}

// MustMessage is NewMessage for payloads that cannot fail to marshal.
func MustMessage(t MessageType, payload any) Message {
	msg, err := NewMessage(t, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// DecodePayload unmarshals the envelope payload into dest.
func (m Message) DecodePayload(dest any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	return json.Unmarshal(m.Payload, dest)
}

// PairingInitiatedPayload is sent to the origin right after it opens an
// initiate connection; code and id are displayed for the target to enter.
type PairingInitiatedPayload struct {
	PairingID   string `json:"pairingId"`
	PairingCode string `json:"pairingCode"`
}

// PartnerConnectedPayload notifies one side that its peer (re)connected.
type PartnerConnectedPayload struct {
	PairingID  string `json:"pairingId"`
	DeviceName string `json:"deviceName"`
}

// AuthenticatedPayload carries the distant-webauthn wallet token minted for
// the origin once a target resolved the pairing.
type AuthenticatedPayload struct {
	Token  string       `json:"token"`
	Wallet WalletClaims `json:"wallet"`
}

type PingPayload struct {
	PairingID string `json:"pairingId"`
}

type PongPayload struct {
	PairingID string `json:"pairingId"`
}

// SignatureRequestPayload travels origin -> target. PartnerDeviceName is
// filled in by the relay so the signing UI can attribute the request.
type SignatureRequestPayload struct {
	PairingID         string          `json:"pairingId,omitempty"`
	ID                string          `json:"id"`
	Request           string          `json:"request"`
	Context           json.RawMessage `json:"context,omitempty"`
	PartnerDeviceName string          `json:"partnerDeviceName,omitempty"`
}

type SignatureResponsePayload struct {
	PairingID string `json:"pairingId,omitempty"`
	ID        string `json:"id"`
	Signature string `json:"signature"`
}

type SignatureRejectPayload struct {
	PairingID string `json:"pairingId,omitempty"`
	ID        string `json:"id"`
	Reason    string `json:"reason"`
}
