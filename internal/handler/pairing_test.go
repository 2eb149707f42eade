package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/frak-id/pairing-relay/internal/errors"
	"github.com/frak-id/pairing-relay/internal/middleware"
	"github.com/frak-id/pairing-relay/internal/model"
	"github.com/frak-id/pairing-relay/internal/service"
)

type fakePairingService struct {
	pairings map[string]*model.Pairing
}

func (s *fakePairingService) Find(_ context.Context, pairingID string) (*model.Pairing, error) {
	if p, ok := s.pairings[pairingID]; ok {
		return p, nil
	}
	return nil, apperrors.NotFound("Pairing")
}

func (s *fakePairingService) ListForWallet(_ context.Context, wallet string) ([]model.Pairing, error) {
	var out []model.Pairing
	for _, p := range s.pairings {
		if p.Wallet != nil && *p.Wallet == wallet {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakePairingService) Delete(_ context.Context, pairingID, requestingWallet string) error {
	p, ok := s.pairings[pairingID]
	if !ok || p.Wallet == nil {
		return apperrors.NotFound("Pairing")
	}
	if *p.Wallet != requestingWallet {
		return apperrors.Forbidden("Only the paired wallet can delete this pairing")
	}
	delete(s.pairings, pairingID)
	return nil
}

func newTestHandler(pairings map[string]*model.Pairing) (http.Handler, *service.TokenService) {
	tokens := service.NewTokenService("test-secret")
	h := NewPairingHandler(&fakePairingService{pairings: pairings}, middleware.NewWalletAuthMiddleware(tokens), nil)
	return h.Routes(), tokens
}

func walletHeader(t *testing.T, tokens *service.TokenService, wallet string) string {
	t.Helper()
	token, _, err := tokens.MintDistantWebAuthn(wallet, "p1")
	require.NoError(t, err)
	return "Bearer " + token
}

func TestPairingHandler_Find(t *testing.T) {
	id := "3f2a8f9e-1b2c-4d5e-8f90-abcdefabcdef"
	router, _ := newTestHandler(map[string]*model.Pairing{
		id: {
			PairingID:   id,
			PairingCode: "123456",
			OriginName:  "Dashboard",
			CreatedAt:   time.Now(),
		},
	})

	t.Run("returns the public view of a pairing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/find/"+id, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, id, body["id"])
		assert.Equal(t, "Dashboard", body["originName"])
		assert.Equal(t, "123456", body["pairingCode"])
		assert.NotContains(t, body, "wallet")
	})

	t.Run("unknown id is 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/find/58df0b29-0000-4000-8000-000000000000", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed id is 404 without hitting the service", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/find/not-a-uuid", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestPairingHandler_List(t *testing.T) {
	wallet := "0xwallet"
	targetName := "iPhone"
	router, tokens := newTestHandler(map[string]*model.Pairing{
		"p1": {
			PairingID:    "p1",
			OriginName:   "Dashboard",
			TargetName:   &targetName,
			Wallet:       &wallet,
			CreatedAt:    time.Now(),
			LastActiveAt: time.Now(),
		},
	})

	t.Run("requires a wallet token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/list", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("lists the wallet's pairings", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/list", nil)
		req.Header.Set("Authorization", walletHeader(t, tokens, wallet))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var items []map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
		require.Len(t, items, 1)
		assert.Equal(t, "p1", items[0]["pairingId"])
		assert.Equal(t, "iPhone", items[0]["targetName"])
	})

	t.Run("another wallet sees an empty list", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/list", nil)
		req.Header.Set("Authorization", walletHeader(t, tokens, "0xother"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())
	})
}

func TestPairingHandler_Delete(t *testing.T) {
	wallet := "0xwallet"
	newRouter := func() (http.Handler, *service.TokenService, map[string]*model.Pairing) {
		pairings := map[string]*model.Pairing{
			"p1": {PairingID: "p1", OriginName: "Dashboard", Wallet: &wallet},
			"p2": {PairingID: "p2", OriginName: "Laptop"},
		}
		router, tokens := newTestHandler(pairings)
		return router, tokens, pairings
	}

	t.Run("owning wallet deletes its pairing", func(t *testing.T) {
		router, tokens, pairings := newRouter()
		req := httptest.NewRequest(http.MethodPost, "/p1/delete", nil)
		req.Header.Set("Authorization", walletHeader(t, tokens, wallet))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.NotContains(t, pairings, "p1")
	})

	t.Run("other wallets are forbidden and the pairing survives", func(t *testing.T) {
		router, tokens, pairings := newRouter()
		req := httptest.NewRequest(http.MethodPost, "/p1/delete", nil)
		req.Header.Set("Authorization", walletHeader(t, tokens, "0xother"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, pairings, "p1")
	})

	t.Run("unresolved pairing reads as not found", func(t *testing.T) {
		router, tokens, _ := newRouter()
		req := httptest.NewRequest(http.MethodPost, "/p2/delete", nil)
		req.Header.Set("Authorization", walletHeader(t, tokens, wallet))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
