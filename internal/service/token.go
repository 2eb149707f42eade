package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/frak-id/pairing-relay/internal/config"
	apperrors "github.com/frak-id/pairing-relay/internal/errors"
	"github.com/frak-id/pairing-relay/internal/model"
)

// TokenService mints and verifies wallet session tokens. A webauthn token
// identifies the passkey-holding device; a distant-webauthn token is the
// delegated session handed to an origin once its pairing resolves.
type TokenService struct {
	secret []byte
}

func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret)}
}

// MintDistantWebAuthn issues the delegated origin token bound to a pairing.
func (s *TokenService) MintDistantWebAuthn(wallet, pairingID string) (string, *model.WalletClaims, error) {
	claims := &model.WalletClaims{
		Type:      model.WalletTokenDistantWebAuthn,
		Address:   wallet,
		PairingID: pairingID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(config.WalletTokenLifetime)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign wallet token: %w", err)
	}
	return token, claims, nil
}

// Verify parses a wallet token and returns its claims.
func (s *TokenService) Verify(token string) (*model.WalletClaims, error) {
	var claims model.WalletClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, apperrors.InvalidToken("Invalid wallet token").WithCause(err)
	}
	if !parsed.Valid {
		return nil, apperrors.InvalidToken("Invalid wallet token")
	}
	if claims.Address == "" {
		return nil, apperrors.InvalidToken("Wallet token has no address")
	}
	return &claims, nil
}
