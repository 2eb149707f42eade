// Package handler exposes the relay's HTTP management surface: lookups a
// target wallet performs before joining, and the list/delete operations on
// a wallet's active pairings.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/frak-id/pairing-relay/internal/audit"
	apperrors "github.com/frak-id/pairing-relay/internal/errors"
	"github.com/frak-id/pairing-relay/internal/httputil"
	"github.com/frak-id/pairing-relay/internal/middleware"
	"github.com/frak-id/pairing-relay/internal/model"
)

// PairingService is the slice of the pairing service the HTTP surface
// needs.
type PairingService interface {
	Find(ctx context.Context, pairingID string) (*model.Pairing, error)
	ListForWallet(ctx context.Context, wallet string) ([]model.Pairing, error)
	Delete(ctx context.Context, pairingID, requestingWallet string) error
}

type PairingHandler struct {
	pairings  PairingService
	auth      *middleware.WalletAuthMiddleware
	rateLimit func(http.Handler) http.Handler
}

// NewPairingHandler wires the management routes. rateLimit runs after
// authentication so it can key on the wallet; pass nil to disable it.
func NewPairingHandler(pairings PairingService, auth *middleware.WalletAuthMiddleware, rateLimit func(http.Handler) http.Handler) *PairingHandler {
	return &PairingHandler{pairings: pairings, auth: auth, rateLimit: rateLimit}
}

func (h *PairingHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/find/{id}", h.Find)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.RequireWallet)
		if h.rateLimit != nil {
			r.Use(h.rateLimit)
		}
		r.Get("/list", h.List)
		r.Post("/{id}/delete", h.Delete)
	})

	return r
}

// findResponse is what a target sees before deciding to join: enough to
// display a confirmation, nothing about the wallet side.
type findResponse struct {
	ID          string    `json:"id"`
	OriginName  string    `json:"originName"`
	CreatedAt   time.Time `json:"createdAt"`
	PairingCode string    `json:"pairingCode"`
}

func (h *PairingHandler) Find(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		httputil.WriteError(w, apperrors.NotFound("Pairing"))
		return
	}

	pairing, err := h.pairings.Find(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if pairing == nil {
		httputil.WriteError(w, apperrors.NotFound("Pairing"))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, findResponse{
		ID:          pairing.PairingID,
		OriginName:  pairing.OriginName,
		CreatedAt:   pairing.CreatedAt,
		PairingCode: pairing.PairingCode,
	})
}

type listItem struct {
	PairingID    string    `json:"pairingId"`
	OriginName   string    `json:"originName"`
	TargetName   *string   `json:"targetName,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

func (h *PairingHandler) List(w http.ResponseWriter, r *http.Request) {
	wallet := middleware.GetWallet(r.Context())

	pairings, err := h.pairings.ListForWallet(r.Context(), wallet.Address)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	items := make([]listItem, 0, len(pairings))
	for _, p := range pairings {
		items = append(items, listItem{
			PairingID:    p.PairingID,
			OriginName:   p.OriginName,
			TargetName:   p.TargetName,
			CreatedAt:    p.CreatedAt,
			LastActiveAt: p.LastActiveAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, items)
}

func (h *PairingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	wallet := middleware.GetWallet(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.pairings.Delete(r.Context(), id, wallet.Address); err != nil {
		httputil.WriteError(w, err)
		return
	}
	audit.LogFromRequest(r, audit.Event{Type: audit.EventPairingDeleted, PairingID: id, Wallet: wallet.Address})
	w.WriteHeader(http.StatusNoContent)
}
