package native

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/PROCEED-Labs/proceed-native/internal/ipc"
)

// Transport carries envelopes between the engine and the native host. Send is
// safe for concurrent use; Receive is called from a single goroutine.
type Transport interface {
	Send(ctx context.Context, v any) error
	Receive(ctx context.Context, v any) error
	Close() error
}

// StreamTransport frames envelopes over a byte stream, typically the stdio of
// an engine child process.
type StreamTransport struct {
	r io.Reader
	w io.Writer

	mu      sync.Mutex
	closers []io.Closer
}

// NewStreamTransport wraps r and w. Close closes whichever of them implement io.Closer.
func NewStreamTransport(r io.Reader, w io.Writer) *StreamTransport {
	t := &StreamTransport{r: r, w: w}
	if c, ok := w.(io.Closer); ok {
		t.closers = append(t.closers, c)
	}
	if c, ok := r.(io.Closer); ok {
		t.closers = append(t.closers, c)
	}
	return t
}

func (t *StreamTransport) Send(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return ipc.WriteMessage(t.w, v)
}

func (t *StreamTransport) Receive(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ipc.ReadMessage(t.r, v)
}

func (t *StreamTransport) Close() error {
	var first error
	for _, c := range t.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SpawnEngine starts the engine as a child process and returns a transport
// reading its stdout and writing its stdin. The child's stderr is logged.
func SpawnEngine(ctx context.Context, argv []string, logger *slog.Logger) (*StreamTransport, *exec.Cmd, error) {
	if len(argv) == 0 {
		return nil, nil, fmt.Errorf("engine command is empty")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("engine stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("engine stdout pipe: %w", err)
	}
	cmd.Stderr = &logWriter{logger: logger.With("source", "engine")}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start engine: %w", err)
	}
	logger.Info("engine started", "pid", cmd.Process.Pid, "command", argv[0])
	return NewStreamTransport(stdout, stdin), cmd, nil
}

type logWriter struct {
	logger *slog.Logger
}

func (l *logWriter) Write(p []byte) (int, error) {
	l.logger.Info("engine stderr", "line", string(p))
	return len(p), nil
}

// LocalTransport connects an in-process engine to the host. Envelopes are
// still JSON-encoded so neither side can share mutable state with the other.
type LocalTransport struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// NewLocalPipe returns the two connected ends of an in-process channel.
func NewLocalPipe() (host, engine *LocalTransport) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	host = &LocalTransport{in: a, out: b, done: done, once: once}
	engine = &LocalTransport{in: b, out: a, done: done, once: once}
	return host, engine
}

func (t *LocalTransport) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	select {
	case t.out <- data:
		return nil
	case <-t.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *LocalTransport) Receive(ctx context.Context, v any) error {
	select {
	case data := <-t.in:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("unmarshal envelope: %w", err)
		}
		return nil
	case <-t.done:
		return io.EOF
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes both ends of the pipe.
func (t *LocalTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}
