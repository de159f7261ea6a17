package hub

import (
	"errors"
	"sync"
)

var (
	// ErrClientClosed is returned when sending to a client whose connection is gone.
	ErrClientClosed = errors.New("client closed")
	// ErrClientStalled is returned when a client's send buffer is full.
	ErrClientStalled = errors.New("client send buffer full")
)

// MessageType distinguishes text and binary frames.
type MessageType int

const (
	TextMessage MessageType = iota
	BinaryMessage
)

// Message is one outbound frame. Event is only set on the push channel.
type Message struct {
	Type  MessageType
	Event string
	Data  []byte
}

// Client is a registry member. Send must not block.
type Client interface {
	ID() string
	Send(Message) error
	Close()
}

// Conn is a Client backed by a bounded queue that a transport goroutine drains.
type Conn struct {
	id     string
	out    chan Message
	done   chan struct{}
	closed sync.Once
}

func NewConn(id string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 1
	}
	return &Conn{
		id:   id,
		out:  make(chan Message, buffer),
		done: make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Send enqueues msg without waiting.
func (c *Conn) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	default:
		return ErrClientStalled
	}
}

// Close marks the connection as gone. It is safe to call more than once.
func (c *Conn) Close() {
	c.closed.Do(func() { close(c.done) })
}

// Outbound is drained by the transport's writer.
func (c *Conn) Outbound() <-chan Message { return c.out }

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.done }
