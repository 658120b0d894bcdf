package native

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/PROCEED-Labs/proceed-native/internal/model"
)

// Client is the engine side of the command channel. It correlates responses
// with the commands that caused them.
type Client struct {
	t Transport

	mu      sync.Mutex
	pending map[string]*stream
	closed  bool
	done    chan struct{}
}

// stream queues the responses of one command until its consumer takes them.
// The read loop never waits on a consumer and never drops a response.
type stream struct {
	out chan Response

	mu     sync.Mutex
	queue  []Response
	ended  bool
	ready  chan struct{}
	cancel chan struct{}
	once   sync.Once
}

func newStream() *stream {
	s := &stream{
		out:    make(chan Response),
		ready:  make(chan struct{}, 1),
		cancel: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *stream) push(resp Response) {
	s.mu.Lock()
	s.queue = append(s.queue, resp)
	s.mu.Unlock()
	s.wake()
}

// end closes out once every queued response has been taken.
func (s *stream) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.wake()
}

// stop closes out without delivering what is still queued.
func (s *stream) stop() {
	s.once.Do(func() { close(s.cancel) })
}

func (s *stream) wake() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *stream) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			ended := s.ended
			s.mu.Unlock()
			if ended {
				return
			}
			select {
			case <-s.ready:
				continue
			case <-s.cancel:
				return
			}
		}
		next := s.queue[0]
		s.mu.Unlock()

		select {
		case s.out <- next:
			s.mu.Lock()
			s.queue = s.queue[1:]
			s.mu.Unlock()
		case <-s.cancel:
			return
		}
	}
}

// NewClient starts reading responses from t.
func NewClient(t Transport) *Client {
	c := &Client{
		t:       t,
		pending: make(map[string]*stream),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Stream sends a command and returns a channel carrying every response for
// it in arrival order. The channel is closed when cancel is called, or after
// the last response once the client shuts down.
func (c *Client) Stream(ctx context.Context, name string, args ...any) (<-chan Response, func(), error) {
	cmd := Command{ID: model.NewID(), Name: name}
	for _, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal argument: %w", err)
		}
		cmd.Args = append(cmd.Args, raw)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, io.ErrClosedPipe
	}
	st := newStream()
	c.pending[cmd.ID] = st
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.pending, cmd.ID)
		c.mu.Unlock()
		st.stop()
	}

	if err := c.t.Send(ctx, cmd); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("send command %s: %w", name, err)
	}
	return st.out, cancel, nil
}

// Call sends a command and waits for its first response.
func (c *Client) Call(ctx context.Context, name string, args ...any) ([]json.RawMessage, error) {
	ch, cancel, err := c.Stream(ctx, name, args...)
	if err != nil {
		return nil, err
	}
	defer cancel()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, io.ErrClosedPipe
		}
		if err := resp.Err(); err != nil {
			return nil, err
		}
		return resp.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the client and its transport down.
func (c *Client) Close() error {
	err := c.t.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closed = true
		for id, st := range c.pending {
			st.end()
			delete(c.pending, id)
		}
	}()

	for {
		var resp Response
		if err := c.t.Receive(context.Background(), &resp); err != nil {
			return
		}
		c.mu.Lock()
		st, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			st.push(resp)
		}
	}
}
