package repository

import (
	"context"
	"time"

	"github.com/frak-id/pairing-relay/internal/database"
	"github.com/frak-id/pairing-relay/internal/model"
)

type PairingRepository interface {
	Create(ctx context.Context, params model.CreatePairingParams) (*model.Pairing, error)
	FindByID(ctx context.Context, pairingID string) (*model.Pairing, error)
	ListByWallet(ctx context.Context, wallet string) ([]model.Pairing, error)
	Resolve(ctx context.Context, params model.JoinPairingParams) (*model.Pairing, error)
	Touch(ctx context.Context, pairingID string) error
	Delete(ctx context.Context, pairingID string) (bool, error)
	DeleteInactive(ctx context.Context, resolvedTTL, joinWindow time.Duration) (int64, error)
}

type pairingRepo struct {
	db database.DBTX
}

func NewPairingRepository(db database.DBTX) PairingRepository {
	return &pairingRepo{db: db}
}

func (r *pairingRepo) Create(ctx context.Context, params model.CreatePairingParams) (*model.Pairing, error) {
	var p model.Pairing
	err := r.db.GetContext(ctx, &p, `
		INSERT INTO pairings (pairing_id, pairing_code, origin_name, origin_user_agent, sso_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *
	`, params.PairingID, params.PairingCode, params.OriginName, params.OriginUserAgent, params.SsoID)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *pairingRepo) FindByID(ctx context.Context, pairingID string) (*model.Pairing, error) {
	var p model.Pairing
	err := r.db.GetContext(ctx, &p, `
		SELECT * FROM pairings WHERE pairing_id = $1
	`, pairingID)
	return HandleNotFound(&p, err)
}

func (r *pairingRepo) ListByWallet(ctx context.Context, wallet string) ([]model.Pairing, error) {
	var pairings []model.Pairing
	err := r.db.SelectContext(ctx, &pairings, `
		SELECT * FROM pairings
		WHERE wallet = $1
		ORDER BY created_at ASC
	`, wallet)
	return pairings, err
}

// Resolve marks the pairing as joined by the given wallet. The code check
// happens in the service layer so an invalid code never reaches this write.
func (r *pairingRepo) Resolve(ctx context.Context, params model.JoinPairingParams) (*model.Pairing, error) {
	var p model.Pairing
	err := r.db.GetContext(ctx, &p, `
		UPDATE pairings SET
			wallet = $2,
			target_name = $3,
			target_user_agent = $4,
			resolved_at = NOW(),
			last_active_at = NOW()
		WHERE pairing_id = $1 AND resolved_at IS NULL
		RETURNING *
	`, params.PairingID, params.Wallet, params.TargetName, params.TargetUserAgent)
	return HandleNotFound(&p, err)
}

func (r *pairingRepo) Touch(ctx context.Context, pairingID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pairings SET last_active_at = NOW() WHERE pairing_id = $1
	`, pairingID)
	return err
}

func (r *pairingRepo) Delete(ctx context.Context, pairingID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pairings WHERE pairing_id = $1
	`, pairingID)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// DeleteInactive removes resolved pairings idle past resolvedTTL and
// unresolved ones that never got joined within joinWindow.
func (r *pairingRepo) DeleteInactive(ctx context.Context, resolvedTTL, joinWindow time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pairings
		WHERE (resolved_at IS NOT NULL AND last_active_at < NOW() - $1::interval)
		   OR (resolved_at IS NULL AND created_at < NOW() - $2::interval)
	`, pgInterval(resolvedTTL), pgInterval(joinWindow))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
