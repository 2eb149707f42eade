package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/frak-id/pairing-relay/internal/config"
	"github.com/frak-id/pairing-relay/internal/model"
)

// WSDialer opens websocket connections against the relay's /ws endpoint.
type WSDialer struct {
	BaseURL string
	dialer  *websocket.Dialer
}

func NewWSDialer(baseURL string) *WSDialer {
	return &WSDialer{
		BaseURL: baseURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
		},
	}
}

func (d *WSDialer) Dial(ctx context.Context, params ConnectParams) (Channel, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}

	q := u.Query()
	if params.Action != "" {
		q.Set("action", params.Action)
	}
	if params.PairingID != "" {
		q.Set("id", params.PairingID)
	}
	if params.PairingCode != "" {
		q.Set("pairingCode", params.PairingCode)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if params.WalletToken != "" {
		header.Set("Authorization", "Bearer "+params.WalletToken)
	}
	if params.DeviceName != "" {
		header.Set("User-Agent", params.DeviceName)
	}

	conn, _, err := d.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	ch := newWSChannel(conn)
	go ch.readPump()
	return ch, nil
}

// wsChannel wraps one websocket connection. Writes are serialized behind a
// mutex; the read pump feeds Receive until the connection drops.
type wsChannel struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	receive   chan model.Message
	done      chan error
	closeOnce sync.Once
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{
		conn:    conn,
		receive: make(chan model.Message, config.WSSendBufferSize),
		done:    make(chan error, 1),
	}
}

func (c *wsChannel) Send(msg model.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		c.shutdown(err)
		return err
	}
	return nil
}

func (c *wsChannel) Receive() <-chan model.Message {
	return c.receive
}

func (c *wsChannel) Done() <-chan error {
	return c.done
}

func (c *wsChannel) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *wsChannel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.done <- err
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsChannel) readPump() {
	c.conn.SetReadLimit(config.WSMaxMessageBytes)

	for {
		var msg model.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.shutdown(err)
			close(c.receive)
			return
		}

		select {
		case c.receive <- msg:
		default:
			log.Warn().Str("type", string(msg.Type)).Msg("transport receive buffer full, dropping message")
		}
	}
}
