package repository

import (
	"context"
	"time"

	"github.com/frak-id/pairing-relay/internal/database"
	"github.com/frak-id/pairing-relay/internal/model"
)

type SignatureRequestRepository interface {
	Create(ctx context.Context, params model.CreateSignatureRequestParams) (*model.SignatureRequest, error)
	MarkProcessed(ctx context.Context, pairingID, requestID, signature string) error
	Delete(ctx context.Context, pairingID, requestID string) error
	ListPending(ctx context.Context, pairingIDs []string) ([]model.SignatureRequest, error)
	DeleteStale(ctx context.Context, pendingTTL time.Duration) (int64, error)
}

type signatureRequestRepo struct {
	db database.DBTX
}

func NewSignatureRequestRepository(db database.DBTX) SignatureRequestRepository {
	return &signatureRequestRepo{db: db}
}

func (r *signatureRequestRepo) Create(ctx context.Context, params model.CreateSignatureRequestParams) (*model.SignatureRequest, error) {
	var sr model.SignatureRequest
	err := r.db.GetContext(ctx, &sr, `
		INSERT INTO pairing_signature_requests (pairing_id, request_id, request, context)
		VALUES ($1, $2, $3, $4)
		RETURNING *
	`, params.PairingID, params.RequestID, params.Request, params.Context)
	if err != nil {
		return nil, err
	}
	return &sr, nil
}

func (r *signatureRequestRepo) MarkProcessed(ctx context.Context, pairingID, requestID, signature string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pairing_signature_requests SET
			processed_at = NOW(),
			signature = $3
		WHERE pairing_id = $1 AND request_id = $2
	`, pairingID, requestID, signature)
	return err
}

func (r *signatureRequestRepo) Delete(ctx context.Context, pairingID, requestID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM pairing_signature_requests
		WHERE pairing_id = $1 AND request_id = $2
	`, pairingID, requestID)
	return err
}

// ListPending returns unprocessed requests for the given pairings, oldest
// first, so a reconnecting target replays them in arrival order.
func (r *signatureRequestRepo) ListPending(ctx context.Context, pairingIDs []string) ([]model.SignatureRequest, error) {
	if len(pairingIDs) == 0 {
		return nil, nil
	}
	var requests []model.SignatureRequest
	query, args, err := inQuery(`
		SELECT * FROM pairing_signature_requests
		WHERE pairing_id IN (?) AND processed_at IS NULL
		ORDER BY created_at ASC
	`, pairingIDs)
	if err != nil {
		return nil, err
	}
	err = r.db.SelectContext(ctx, &requests, query, args...)
	return requests, err
}

func (r *signatureRequestRepo) DeleteStale(ctx context.Context, pendingTTL time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pairing_signature_requests
		WHERE processed_at IS NOT NULL
		   OR created_at < NOW() - $1::interval
	`, pgInterval(pendingTTL))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
