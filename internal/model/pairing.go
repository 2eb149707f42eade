package model

import (
	"time"
)

// Pairing is the durable record of a pairing attempt between an origin
// device (the one displaying the code) and a target wallet (the one joining
// with it). Wallet and target fields stay NULL until a target joins.
type Pairing struct {
	PairingID       string     `db:"pairing_id" json:"pairingId"`
	PairingCode     string     `db:"pairing_code" json:"pairingCode"`
	OriginName      string     `db:"origin_name" json:"originName"`
	OriginUserAgent string     `db:"origin_user_agent" json:"-"`
	TargetName      *string    `db:"target_name" json:"targetName,omitempty"`
	TargetUserAgent *string    `db:"target_user_agent" json:"-"`
	Wallet          *string    `db:"wallet" json:"wallet,omitempty"`
	SsoID           *string    `db:"sso_id" json:"-"`
	ResolvedAt      *time.Time `db:"resolved_at" json:"resolvedAt,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
	LastActiveAt    time.Time  `db:"last_active_at" json:"lastActiveAt"`
}

// Resolved reports whether a target wallet has already joined this pairing.
func (p *Pairing) Resolved() bool {
	return p.ResolvedAt != nil
}

type CreatePairingParams struct {
	PairingID       string
	PairingCode     string
	OriginName      string
	OriginUserAgent string
	SsoID           *string
}

type JoinPairingParams struct {
	PairingID       string
	Wallet          string
	TargetName      string
	TargetUserAgent string
}
