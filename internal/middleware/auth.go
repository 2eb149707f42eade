package middleware

import (
	"context"
	"net/http"
	"strings"

	apperrors "github.com/frak-id/pairing-relay/internal/errors"
	"github.com/frak-id/pairing-relay/internal/httputil"
	"github.com/frak-id/pairing-relay/internal/model"
)

type contextKey string

const walletContextKey contextKey = "wallet"

// TokenVerifier checks wallet session tokens; service.TokenService
// implements it.
type TokenVerifier interface {
	Verify(token string) (*model.WalletClaims, error)
}

// WalletAuthMiddleware authenticates management API requests with a wallet
// session token (webauthn or distant-webauthn).
type WalletAuthMiddleware struct {
	tokens TokenVerifier
}

func NewWalletAuthMiddleware(tokens TokenVerifier) *WalletAuthMiddleware {
	return &WalletAuthMiddleware{tokens: tokens}
}

// RequireWallet rejects requests without a valid wallet token and stores
// the claims in the request context.
func (m *WalletAuthMiddleware) RequireWallet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			httputil.WriteError(w, apperrors.Unauthorized("Missing wallet token"))
			return
		}

		claims, err := m.tokens.Verify(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			httputil.WriteError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), walletContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetWallet returns the authenticated wallet claims, or nil outside an
// authenticated request.
func GetWallet(ctx context.Context) *model.WalletClaims {
	claims, _ := ctx.Value(walletContextKey).(*model.WalletClaims)
	return claims
}
