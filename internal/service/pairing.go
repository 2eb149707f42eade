package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/frak-id/pairing-relay/internal/errors"
	"github.com/frak-id/pairing-relay/internal/model"
	"github.com/frak-id/pairing-relay/internal/repository"
)

// pairingCodeLength is the number of digits in the human-entered code. The
// code only authorizes the join; channel security rests on the transport.
const pairingCodeLength = 6

type PairingService struct {
	pairingRepo repository.PairingRepository
}

func NewPairingService(pairingRepo repository.PairingRepository) *PairingService {
	return &PairingService{pairingRepo: pairingRepo}
}

// Create opens a new pairing attempt on behalf of an origin device and
// returns the session carrying the generated id and display code.
func (s *PairingService) Create(ctx context.Context, originName, userAgent string, ssoID *string) (*model.Pairing, error) {
	if originName == "" {
		originName = "Unknown"
	}

	pairing, err := s.pairingRepo.Create(ctx, model.CreatePairingParams{
		PairingID:       uuid.NewString(),
		PairingCode:     generatePairingCode(),
		OriginName:      originName,
		OriginUserAgent: userAgent,
		SsoID:           ssoID,
	})
	if err != nil {
		return nil, fmt.Errorf("create pairing: %w", err)
	}

	log.Info().
		Str("pairingId", pairing.PairingID).
		Str("originName", pairing.OriginName).
		Msg("pairing created")

	return pairing, nil
}

func (s *PairingService) Find(ctx context.Context, pairingID string) (*model.Pairing, error) {
	pairing, err := s.pairingRepo.FindByID(ctx, pairingID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if pairing == nil {
		return nil, apperrors.NotFound("Pairing")
	}
	return pairing, nil
}

func (s *PairingService) ListForWallet(ctx context.Context, wallet string) ([]model.Pairing, error) {
	pairings, err := s.pairingRepo.ListByWallet(ctx, wallet)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return pairings, nil
}

// Join resolves a pairing with a target wallet. The code comparison happens
// before any mutation so a bad code never touches the session.
func (s *PairingService) Join(ctx context.Context, pairingID, pairingCode, wallet, targetName, userAgent string) (*model.Pairing, error) {
	pairing, err := s.pairingRepo.FindByID(ctx, pairingID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if pairing == nil {
		return nil, apperrors.NotFound("Pairing")
	}

	if pairing.PairingCode != strings.TrimSpace(pairingCode) {
		log.Warn().Str("pairingId", pairingID).Msg("join attempt with invalid pairing code")
		return nil, apperrors.InvalidPairingCode()
	}

	if pairing.Resolved() {
		return nil, apperrors.PairingAlreadyResolved()
	}

	resolved, err := s.pairingRepo.Resolve(ctx, model.JoinPairingParams{
		PairingID:       pairingID,
		Wallet:          wallet,
		TargetName:      targetName,
		TargetUserAgent: userAgent,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if resolved == nil {
		// Lost the race against a concurrent join.
		return nil, apperrors.PairingAlreadyResolved()
	}

	log.Info().
		Str("pairingId", pairingID).
		Str("wallet", wallet).
		Str("targetName", targetName).
		Msg("pairing resolved")

	return resolved, nil
}

// Delete removes a pairing. Only the wallet resolved on the session may
// delete it; an unresolved session has no owner and reads as not found.
func (s *PairingService) Delete(ctx context.Context, pairingID, requestingWallet string) error {
	pairing, err := s.pairingRepo.FindByID(ctx, pairingID)
	if err != nil {
		return apperrors.Database(err)
	}
	if pairing == nil || pairing.Wallet == nil {
		return apperrors.NotFound("Pairing")
	}

	if *pairing.Wallet != requestingWallet {
		log.Warn().
			Str("pairingId", pairingID).
			Str("wallet", requestingWallet).
			Msg("delete attempt by non-owning wallet")
		return apperrors.Forbidden("Only the paired wallet can delete this pairing")
	}

	if _, err := s.pairingRepo.Delete(ctx, pairingID); err != nil {
		return apperrors.Database(err)
	}

	log.Info().Str("pairingId", pairingID).Msg("pairing deleted")
	return nil
}

// Touch bumps last_active_at; called by the relay on every routed exchange.
func (s *PairingService) Touch(ctx context.Context, pairingID string) error {
	return s.pairingRepo.Touch(ctx, pairingID)
}

func generatePairingCode() string {
	var sb strings.Builder
	for i := 0; i < pairingCodeLength; i++ {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		sb.WriteByte(byte('0' + n.Int64()))
	}
	return sb.String()
}
