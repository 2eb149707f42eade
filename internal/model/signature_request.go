package model

import (
	"encoding/json"
	"time"
)

// SignatureRequest is the durable copy of an in-flight signature request.
// Persisting it server-side lets a target that reconnects mid-flight pick up
// requests issued while it was away.
type SignatureRequest struct {
	PairingID   string          `db:"pairing_id" json:"pairingId"`
	RequestID   string          `db:"request_id" json:"requestId"`
	Request     string          `db:"request" json:"request"`
	Context     json.RawMessage `db:"context" json:"context,omitempty"`
	Signature   *string         `db:"signature" json:"signature,omitempty"`
	ProcessedAt *time.Time      `db:"processed_at" json:"processedAt,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
}

type CreateSignatureRequestParams struct {
	PairingID string
	RequestID string
	Request   string
	Context   json.RawMessage
}
