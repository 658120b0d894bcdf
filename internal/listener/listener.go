package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/PROCEED-Labs/proceed-native/internal/capability"
	"github.com/PROCEED-Labs/proceed-native/internal/model"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Listener owns the loopback socket runners call back to.
type Listener struct {
	backend Backend
	ln      net.Listener
	table   *capability.Table
	logger  *slog.Logger
}

// Listen binds addr. The socket is open when Listen returns, so BaseURL is
// usable before Serve starts.
func Listen(addr string, b Backend, table *capability.Table, logger *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Listener{backend: b, ln: ln, table: table, logger: logger}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// BaseURL returns the callback base address for the runner of key.
func (l *Listener) BaseURL(key model.ExecutionKey) string {
	return l.backend.BaseURL("http://"+l.ln.Addr().String(), key)
}

// Serve handles callbacks until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context, resolver Resolver) error {
	srv := &http.Server{
		Handler:           NewHandler(l.backend, resolver, l.table, l.logger),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		l.logger.Info("callback listener started", "addr", l.ln.Addr().String(), "backend", l.backend.Name())
		if err := srv.Serve(l.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("callback listener: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("callback listener shutdown: %w", err)
	}
	return nil
}
