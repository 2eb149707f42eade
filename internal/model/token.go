package model

import (
	"github.com/golang-jwt/jwt/v5"
)

// WalletTokenType distinguishes a wallet session held by the device owning
// the passkey (webauthn) from one delegated through a pairing
// (distant-webauthn, held by the origin device).
type WalletTokenType string

const (
	WalletTokenWebAuthn        WalletTokenType = "webauthn"
	WalletTokenDistantWebAuthn WalletTokenType = "distant-webauthn"
)

// WalletClaims is the wallet session token payload. PairingID is only set
// on distant-webauthn tokens and binds the token to a single pairing.
type WalletClaims struct {
	Type      WalletTokenType `json:"type"`
	Address   string          `json:"address"`
	PairingID string          `json:"pairingId,omitempty"`
	jwt.RegisteredClaims
}

// IsTarget reports whether the token belongs to the passkey-holding device.
func (c *WalletClaims) IsTarget() bool {
	return c.Type == WalletTokenWebAuthn
}

// IsOrigin reports whether the token was delegated through a pairing.
func (c *WalletClaims) IsOrigin() bool {
	return c.Type == WalletTokenDistantWebAuthn
}
