package transport

import (
	"context"
	"errors"

	"github.com/frak-id/pairing-relay/internal/model"
)

// ErrClosed is returned by Send once the channel is torn down.
var ErrClosed = errors.New("transport channel closed")

// ConnectParams carries the handshake query for a relay connection. Exactly
// one of the three modes applies: initiate (no auth), join (wallet token +
// code), or plain reconnection (wallet token only).
type ConnectParams struct {
	Action      string
	PairingID   string
	PairingCode string
	WalletToken string
	DeviceName  string
}

const (
	ActionInitiate = "initiate"
	ActionJoin     = "join"
)

// Channel is one live bidirectional connection to the relay. Messages on
// Receive arrive in transport order; Done yields the terminal error once the
// connection drops. Close is idempotent and safe from any goroutine.
type Channel interface {
	Send(msg model.Message) error
	Receive() <-chan model.Message
	Done() <-chan error
	Close() error
}

// Dialer opens relay connections. A dial failure is reported as a plain
// error and is absorbed by the pairing state machine, never surfaced to UI
// callers directly.
type Dialer interface {
	Dial(ctx context.Context, params ConnectParams) (Channel, error)
}
