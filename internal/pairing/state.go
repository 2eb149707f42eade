package pairing

import (
	"encoding/json"
	"time"
)

// Status is the connection lifecycle of one pairing client.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusPaired
	StatusRetryError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusPaired:
		return "paired"
	case StatusRetryError:
		return "retry-error"
	}
	return "unknown"
}

// Info is the pairing identity shown to the user while connecting: the id
// plus the code the target has to enter.
type Info struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

// PendingSignature is one in-flight signature request as surfaced to UI
// consumers, ordered oldest first.
type PendingSignature struct {
	ID                string          `json:"id"`
	Request           string          `json:"request"`
	Context           json.RawMessage `json:"context,omitempty"`
	PartnerDeviceName string          `json:"partnerDeviceName,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	Deadline          time.Time       `json:"deadline"`
}

// State is a snapshot of one pairing client, consumed reactively by UI
// surfaces. Slices are copies; mutating a snapshot has no effect on the
// client.
type State struct {
	Status            Status             `json:"status"`
	Pairing           *Info              `json:"pairing,omitempty"`
	PartnerDevice     string             `json:"partnerDevice,omitempty"`
	PendingSignatures []PendingSignature `json:"pendingSignatures"`
}
