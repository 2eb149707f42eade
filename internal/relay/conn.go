package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/frak-id/pairing-relay/internal/config"
	"github.com/frak-id/pairing-relay/internal/model"
)

var errInvalidFrame = errors.New("invalid message frame")

// Application close codes sent on handshake and protocol failures.
const (
	CloseInvalidMessage = 4400
	CloseUnauthorized   = 4401
	CloseForbidden      = 4403
	CloseNotFound       = 4404
	CloseNoConnection   = 4408
)

// wsConn wraps one server-side websocket connection. All writes funnel
// through the send channel into a single writer goroutine; readMessage is
// only called from the session's read loop.
type wsConn struct {
	ws   *websocket.Conn
	send chan model.Message

	once sync.Once
	done chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:   ws,
		send: make(chan model.Message, config.WSSendBufferSize),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// queue enqueues a message for delivery, dropping it when the client
// cannot drain its buffer fast enough.
func (c *wsConn) queue(msg model.Message) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		log.Warn().Str("type", string(msg.Type)).Msg("connection send buffer full, dropping message")
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(config.WSPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// readMessage blocks for the next frame, keeping the read deadline alive
// through pong responses to our keepalive pings.
func (c *wsConn) readMessage() (model.Message, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return model.Message{}, err
	}
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return model.Message{}, errInvalidFrame
	}
	return msg, nil
}

func (c *wsConn) configureRead() {
	c.ws.SetReadLimit(config.WSMaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(config.WSPongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(config.WSPongTimeout))
	})
}

// closeWith sends an application close code before tearing the socket down.
func (c *wsConn) closeWith(code int, reason string) {
	_ = c.ws.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.close()
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
