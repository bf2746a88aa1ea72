package message

import (
	"io"
	"time"
)

// Conn is the bidirectional record channel for one worker instance.
// A single reader goroutine feeds the inbox, which preserves the
// per-instance delivery order of the underlying stream. Well-formed
// records are never discarded: a full inbox stalls the reader, and the
// backpressure lands on the worker's stdout pipe.
type Conn struct {
	id     string
	enc    *Encoder
	dec    *Decoder
	inbox  chan Message
	closed chan struct{}
}

// inboxBuffer gives the worker slack to run ahead of the coordinating
// loop before the reader stalls.
const inboxBuffer = 64

// NewConn wraps the instance's stdin writer and stdout reader and
// starts the reader goroutine. The inbox is closed once the stream
// ends, which callers use as the end-of-channel signal.
func NewConn(instanceID string, w io.Writer, r io.Reader, logf func(format string, args ...interface{})) *Conn {
	c := &Conn{
		id:     instanceID,
		enc:    NewEncoder(w),
		dec:    NewDecoder(r, logf),
		inbox:  make(chan Message, inboxBuffer),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// InstanceID returns the owning instance's ID.
func (c *Conn) InstanceID() string {
	return c.id
}

// Send writes one record to the worker. It stamps the instance ID and
// send time so workers do not need to track their own identity.
func (c *Conn) Send(m Message) error {
	m.InstanceID = c.id
	if m.SentAt.IsZero() {
		m.SentAt = time.Now()
	}
	return c.enc.Encode(m)
}

// Inbox returns the stream of inbound records. The channel is closed
// when the worker's stdout ends.
func (c *Conn) Inbox() <-chan Message {
	return c.inbox
}

// Malformed returns how many inbound records failed to decode.
func (c *Conn) Malformed() int {
	return c.dec.Malformed()
}

// Closed is closed once the read loop has ended.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

func (c *Conn) readLoop() {
	defer close(c.closed)
	defer close(c.inbox)

	for {
		m, err := c.dec.Decode()
		if err != nil {
			return
		}
		m.InstanceID = c.id
		c.inbox <- m
	}
}
