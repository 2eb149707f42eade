// Package signer defines the signing capability boundary. The pairing core
// never produces signatures itself; the target device injects whatever does
// (a passkey prompt in the wallet app, a fixed key in tests).
package signer

import (
	"context"

	apperrors "github.com/frak-id/pairing-relay/internal/errors"
)

// Signer produces a signature over an opaque payload.
type Signer interface {
	Sign(ctx context.Context, payload string) (string, error)
}

// Func adapts a plain function to the Signer interface.
type Func func(ctx context.Context, payload string) (string, error)

func (f Func) Sign(ctx context.Context, payload string) (string, error) {
	return f(ctx, payload)
}

// Canonical failure modes a Signer implementation should return.
var (
	ErrUserCancelled      = apperrors.UserCancelled()
	ErrSigningUnavailable = apperrors.SigningUnavailable(nil)
)
