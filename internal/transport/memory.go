package transport

import (
	"sync"

	"github.com/frak-id/pairing-relay/internal/model"
)

// memChannel is one end of an in-process pipe. Used by tests and by anything
// that needs the pairing clients without a live relay.
type memChannel struct {
	peer      *memChannel
	receive   chan model.Message
	done      chan error
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

// NewPipe returns two connected channels; a message sent on one arrives on
// the other in send order. Closing either end terminates both.
func NewPipe() (Channel, Channel) {
	a := &memChannel{receive: make(chan model.Message, 64), done: make(chan error, 1)}
	b := &memChannel{receive: make(chan model.Message, 64), done: make(chan error, 1)}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *memChannel) Send(msg model.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.peer.mu.Lock()
	defer c.peer.mu.Unlock()
	if c.peer.closed {
		return ErrClosed
	}
	c.peer.receive <- msg
	return nil
}

func (c *memChannel) Receive() <-chan model.Message {
	return c.receive
}

func (c *memChannel) Done() <-chan error {
	return c.done
}

func (c *memChannel) Close() error {
	c.shutdown(ErrClosed)
	c.peer.shutdown(ErrClosed)
	return nil
}

func (c *memChannel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.done <- err
		close(c.done)
		close(c.receive)
	})
}
