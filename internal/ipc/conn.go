package ipc

import (
	"errors"
	"io"
	"sync"
)

// Conn is one side of a host↔runner channel. Send is safe for concurrent
// use; Receive must be called from a single goroutine.
type Conn struct {
	r io.Reader
	w io.Writer

	mu     sync.Mutex
	closer []io.Closer
}

// NewConn wraps a reader and writer. Either may also implement io.Closer, in
// which case Close closes it.
func NewConn(r io.Reader, w io.Writer) *Conn {
	c := &Conn{r: r, w: w}
	if rc, ok := r.(io.Closer); ok {
		c.closer = append(c.closer, rc)
	}
	if wc, ok := w.(io.Closer); ok {
		c.closer = append(c.closer, wc)
	}
	return c
}

// Send writes one message.
func (c *Conn) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteMessage(c.w, &msg)
}

// Receive blocks until the next message arrives.
func (c *Conn) Receive() (Message, error) {
	var msg Message
	err := ReadMessage(c.r, &msg)
	return msg, err
}

// Close closes both directions.
func (c *Conn) Close() error {
	var errs []error
	for _, cl := range c.closer {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
