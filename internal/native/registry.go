package native

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrMissingCommands is returned by Require when mandatory commands are not registered.
var ErrMissingCommands = errors.New("required native commands not registered")

// ErrUnknownCommand is returned by a module asked for a command it does not handle.
var ErrUnknownCommand = errors.New("unknown native command")

var commandsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "proceed_native_commands_total",
		Help: "Total number of native commands dispatched, by outcome.",
	},
	[]string{"command", "outcome"},
)

func init() {
	prometheus.MustRegister(commandsTotal)
}

// Registry maps command names to the module handling them.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Module
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		commands: make(map[string]Module),
		logger:   logger,
	}
}

// Register maps every command of m to m. A later registration for the same
// command replaces the earlier one.
func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range m.Commands() {
		if prev, ok := r.commands[c]; ok && prev.Name() != m.Name() {
			r.logger.Warn("native command re-registered", "command", c, "previous", prev.Name(), "module", m.Name())
		}
		r.commands[c] = m
	}
}

// Require checks that every named command is registered.
func (r *Registry) Require(commands ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, c := range commands {
		if _, ok := r.commands[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCommands, strings.Join(missing, ", "))
	}
	return nil
}

// Commands returns the registered command names, sorted.
func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.commands))
	for c := range r.commands {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Dispatch executes cmd on its module and hands every response to send.
// Unknown commands are logged and dropped.
func (r *Registry) Dispatch(ctx context.Context, cmd Command, send func(Response) error) {
	r.mu.RLock()
	m, ok := r.commands[cmd.Name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("unknown native command", "command", cmd.Name, "correlation_id", cmd.ID)
		commandsTotal.WithLabelValues(cmd.Name, "unknown").Inc()
		return
	}

	respond := func(err error, data ...any) {
		resp := Response{ID: cmd.ID}
		if err != nil {
			resp.Error = err.Error()
		}
		for _, d := range data {
			raw, mErr := json.Marshal(d)
			if mErr != nil {
				resp.Error = fmt.Sprintf("marshal response: %v", mErr)
				resp.Data = nil
				break
			}
			resp.Data = append(resp.Data, raw)
		}
		if sErr := send(resp); sErr != nil {
			r.logger.Error("send native response", "command", cmd.Name, "correlation_id", cmd.ID, "error", sErr)
		}
	}

	result, err := r.execute(ctx, m, cmd, respond)
	if err != nil {
		commandsTotal.WithLabelValues(cmd.Name, "error").Inc()
		r.logger.Debug("native command failed", "command", cmd.Name, "module", m.Name(), "error", err)
		respond(err)
		return
	}
	commandsTotal.WithLabelValues(cmd.Name, "ok").Inc()
	if result == Deferred {
		return
	}
	if result == nil {
		respond(nil)
		return
	}
	respond(nil, result)
}

func (r *Registry) execute(ctx context.Context, m Module, cmd Command, respond Responder) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("module %s panicked: %v", m.Name(), p)
		}
	}()
	return m.ExecuteCommand(ctx, cmd.Name, cmd.Args, respond)
}
