package stream

import (
	"context"
	"errors"
)

var (
	// ErrChannelClosed is returned when sending on a closed channel.
	ErrChannelClosed = errors.New("channel closed")
)

// Channel is a bounded FIFO link between two operator instances. A full
// channel blocks the sender, which is how backpressure propagates upstream.
type Channel struct {
	id string
	c  chan Message
}

func NewChannel(id string, capacity int) *Channel {
	return &Channel{
		id: id,
		c:  make(chan Message, capacity),
	}
}

func (c *Channel) ID() string {
	return c.id
}

// Send blocks until the message is enqueued or the context is done.
func (c *Channel) Send(ctx context.Context, msg Message) error {
	select {
	case c.c <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the channel to range over.
func (c *Channel) Recv() <-chan Message {
	return c.c
}

func (c *Channel) Close() {
	close(c.c)
}
