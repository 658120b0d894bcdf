package native

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Host reads commands from a transport and dispatches them to the registry.
type Host struct {
	registry *Registry
	logger   *slog.Logger
}

// NewHost creates a host serving reg.
func NewHost(reg *Registry, logger *slog.Logger) *Host {
	return &Host{registry: reg, logger: logger}
}

// Serve dispatches commands until the transport is closed or ctx is done.
// Each command runs in its own goroutine so streaming commands never block
// the read loop.
func (h *Host) Serve(ctx context.Context, t Transport) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	send := func(resp Response) error {
		return t.Send(ctx, resp)
	}

	for {
		var cmd Command
		if err := t.Receive(ctx, &cmd); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("receive command: %w", err)
		}
		h.logger.Debug("native command", "command", cmd.Name, "correlation_id", cmd.ID)
		wg.Go(func() {
			h.registry.Dispatch(ctx, cmd, send)
		})
	}
}
