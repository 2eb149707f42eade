package pairing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frak-id/pairing-relay/internal/model"
	"github.com/frak-id/pairing-relay/internal/transport"
)

// fakeDialer hands out in-memory pipes. Tests drive the relay side of each
// pipe to script the server's half of the protocol.
type fakeDialer struct {
	mu         sync.Mutex
	failsLeft  int
	dials      int
	lastParams transport.ConnectParams
	relaySides chan transport.Channel
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{relaySides: make(chan transport.Channel, 8)}
}

func (d *fakeDialer) failNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failsLeft = n
}

func (d *fakeDialer) Dial(_ context.Context, params transport.ConnectParams) (transport.Channel, error) {
	d.mu.Lock()
	d.dials++
	d.lastParams = params
	if d.failsLeft != 0 {
		if d.failsLeft > 0 {
			d.failsLeft--
		}
		d.mu.Unlock()
		return nil, errors.New("dial refused")
	}
	d.mu.Unlock()

	clientSide, relaySide := transport.NewPipe()
	d.relaySides <- relaySide
	return clientSide, nil
}

func (d *fakeDialer) lastDialParams() transport.ConnectParams {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastParams
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// relay waits for the next accepted connection's server end.
func (d *fakeDialer) relay(t *testing.T) transport.Channel {
	t.Helper()
	select {
	case ch := <-d.relaySides:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("no connection was dialed")
		return nil
	}
}

// fastOpts keeps test runs snappy without changing any semantics.
func fastOpts(extra ...Option) []Option {
	opts := []Option{
		WithBackoff(5*time.Millisecond, 20*time.Millisecond, 3),
		WithHandshakeTimeout(500 * time.Millisecond),
		WithSweepInterval(5 * time.Millisecond),
		WithPingInterval(time.Hour), // keepalive quiet unless a test opts in
	}
	return append(opts, extra...)
}

func waitForStatus(t *testing.T, get func() State, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return get().Status == want
	}, 2*time.Second, 2*time.Millisecond, "expected status %s", want)
}

// expectMessage reads from the relay side until a message of the wanted
// type arrives, failing on timeout.
func expectMessage(t *testing.T, relay transport.Channel, want model.MessageType) model.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-relay.Receive():
			require.True(t, ok, "relay channel closed while waiting for %s", want)
			if msg.Type == want {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func sendToClient(t *testing.T, relay transport.Channel, msgType model.MessageType, payload any) {
	t.Helper()
	msg, err := model.NewMessage(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, relay.Send(msg))
}
