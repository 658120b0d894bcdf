package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/PROCEED-Labs/proceed-native/internal/native"
)

// Sub-actions of the service-discovery command.
const (
	ActionAdvertise   = "advertise"
	ActionUnadvertise = "unadvertise"
	ActionDiscover    = "discover"
)

const (
	defaultBrowseTimeout = 2 * time.Second
	maxBrowseTimeout     = 30 * time.Second
)

// ErrUnknownAction is returned for sub-actions other than the ones above.
var ErrUnknownAction = errors.New("unknown service-discovery action")

// Options configures the discovery module.
type Options struct {
	Registrar Registrar
	Browser   Browser
	// Service is the mDNS service type, DefaultService when empty.
	Service string
	// Port is advertised when the engine does not name one.
	Port   int
	Logger *slog.Logger
}

// Module implements the service-discovery native command.
type Module struct {
	registrar Registrar
	browser   Browser
	service   string
	port      int
	logger    *slog.Logger

	mu         sync.Mutex
	advertised io.Closer
}

// NewModule creates the service discovery module. Nil registrar and browser
// default to zeroconf.
func NewModule(opts Options) *Module {
	m := &Module{
		registrar: opts.Registrar,
		browser:   opts.Browser,
		service:   opts.Service,
		port:      opts.Port,
		logger:    opts.Logger,
	}
	if m.registrar == nil {
		m.registrar = MDNS{}
	}
	if m.browser == nil {
		m.browser = MDNS{}
	}
	if m.service == "" {
		m.service = DefaultService
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Name implements native.Module.
func (m *Module) Name() string { return "discovery" }

// Commands implements native.Module.
func (m *Module) Commands() []string { return []string{native.CmdServiceDiscovery} }

type advertiseArgs struct {
	Name string            `json:"name"`
	Port int               `json:"port"`
	Text map[string]string `json:"txt"`
}

type discoverArgs struct {
	TimeoutMs int `json:"timeoutMs"`
}

// ExecuteCommand implements native.Module. args[0] is the sub-action and
// args[1] its options object.
func (m *Module) ExecuteCommand(ctx context.Context, command string, args []json.RawMessage, _ native.Responder) (any, error) {
	if command != native.CmdServiceDiscovery {
		return nil, fmt.Errorf("%w: %s", native.ErrUnknownCommand, command)
	}
	var action string
	if err := native.Arg(args, 0, &action); err != nil {
		return nil, fmt.Errorf("%s: decode action: %w", command, err)
	}

	switch action {
	case ActionAdvertise:
		var a advertiseArgs
		if err := native.Arg(args, 1, &a); err != nil {
			return nil, fmt.Errorf("%s: decode options: %w", action, err)
		}
		return m.advertise(a)

	case ActionUnadvertise:
		return nil, m.Close()

	case ActionDiscover:
		var a discoverArgs
		if err := native.Arg(args, 1, &a); err != nil {
			return nil, fmt.Errorf("%s: decode options: %w", action, err)
		}
		timeout := time.Duration(a.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = defaultBrowseTimeout
		}
		return m.Discover(ctx, min(timeout, maxBrowseTimeout))
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
}

func (m *Module) advertise(a advertiseArgs) (any, error) {
	if a.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("advertise: hostname: %w", err)
		}
		a.Name = host
	}
	if a.Port == 0 {
		a.Port = m.port
	}
	if a.Port <= 0 {
		return nil, fmt.Errorf("advertise: port is required")
	}

	srv, err := m.registrar.Register(a.Name, m.service, defaultDomain, a.Port, encodeText(a.Text))
	if err != nil {
		return nil, fmt.Errorf("advertise: %w", err)
	}

	m.mu.Lock()
	prev := m.advertised
	m.advertised = srv
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	m.logger.Info("advertising service", "instance", a.Name, "service", m.service, "port", a.Port)
	return map[string]any{"instance": a.Name, "service": m.service, "port": a.Port}, nil
}

// Discover browses for peers until timeout and returns them sorted by
// instance name. Repeated announcements of one instance are merged.
func (m *Module) Discover(ctx context.Context, timeout time.Duration) ([]Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := m.browser.Browse(ctx, m.service, defaultDomain, entries); err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}

	seen := make(map[string]Peer)
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return sortedPeers(seen), nil
			}
			if e == nil {
				continue
			}
			seen[e.Instance] = peerFromEntry(e)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return sortedPeers(seen), nil
			}
			return nil, ctx.Err()
		}
	}
}

func sortedPeers(seen map[string]Peer) []Peer {
	out := make([]Peer, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

// Close withdraws the current advertisement, if any.
func (m *Module) Close() error {
	m.mu.Lock()
	srv := m.advertised
	m.advertised = nil
	m.mu.Unlock()
	if srv == nil {
		return nil
	}
	m.logger.Info("withdrawing service advertisement", "service", m.service)
	return srv.Close()
}
