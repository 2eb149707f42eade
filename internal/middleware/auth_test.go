package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frak-id/pairing-relay/internal/model"
	"github.com/frak-id/pairing-relay/internal/service"
)

func TestWalletAuthMiddleware(t *testing.T) {
	tokens := service.NewTokenService("test-secret")
	mw := NewWalletAuthMiddleware(tokens)

	var seen *model.WalletClaims
	handler := mw.RequireWallet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetWallet(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid token reaches the handler with claims", func(t *testing.T) {
		token, _, err := tokens.MintDistantWebAuthn("0xwallet", "p1")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/pairings/list", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, seen)
		assert.Equal(t, "0xwallet", seen.Address)
		assert.Equal(t, "p1", seen.PairingID)
	})

	t.Run("missing token is unauthorized", func(t *testing.T) {
		seen = nil
		req := httptest.NewRequest(http.MethodGet, "/pairings/list", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, seen)
	})

	t.Run("garbage token is unauthorized", func(t *testing.T) {
		seen = nil
		req := httptest.NewRequest(http.MethodGet, "/pairings/list", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, seen)
	})
}

func TestGetWallet_OutsideAuthenticatedRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, GetWallet(req.Context()))
}
