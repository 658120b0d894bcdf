// Package capability defines the fixed set of host operations a script
// runner may call, the per-execution scope they run against, and the typed
// table that maps capability names to handlers.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/PROCEED-Labs/proceed-native/internal/model"
)

var (
	// ErrUnknownCapability is returned for names outside the table.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrDuplicateCapability is returned when a name is registered twice.
	ErrDuplicateCapability = errors.New("capability already registered")

	// ErrUnknownService is returned by services.call for unregistered services.
	ErrUnknownService = errors.New("unknown service")
)

// Name is a (namespace, method) pair such as variable.get.
type Name struct {
	Namespace string
	Method    string
}

func (n Name) String() string {
	return n.Namespace + "." + n.Method
}

// ParseName splits "namespace.method".
func ParseName(s string) (Name, error) {
	ns, method, ok := strings.Cut(s, ".")
	if !ok || ns == "" || method == "" || strings.Contains(method, ".") {
		return Name{}, fmt.Errorf("%w: %q", ErrUnknownCapability, s)
	}
	return Name{Namespace: ns, Method: method}, nil
}

// Known lists every capability a runner can reach. The bridge installs a stub
// for each entry and the host only accepts handlers for these names.
var Known = []Name{
	{"console", "log"}, {"console", "info"}, {"console", "warn"},
	{"console", "error"}, {"console", "debug"}, {"console", "trace"},
	{"log", "trace"}, {"log", "debug"}, {"log", "info"}, {"log", "warn"}, {"log", "error"},
	{"variable", "get"}, {"variable", "set"}, {"variable", "getAll"},
	{"services", "call"},
}

// Scope is the dependency object of one runner entry. Handlers only see the
// scope of the runner that authenticated the call.
type Scope struct {
	Key       model.ExecutionKey
	Variables *Variables
	Services  *Services
	Logger    *slog.Logger

	// Emit forwards log lines and variable changes to the engine.
	Emit func(model.Event)
}

func (s *Scope) emit(ev model.Event) {
	if s.Emit == nil {
		return
	}
	ev.Key = s.Key
	s.Emit(ev)
}

// Handler implements one capability.
type Handler func(ctx context.Context, scope *Scope, args []json.RawMessage) (any, error)

// Table maps capability names to handlers.
type Table struct {
	handlers map[Name]Handler
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{handlers: make(map[Name]Handler)}
}

// Register installs h for n. Names outside Known and duplicates are rejected.
func (t *Table) Register(n Name, h Handler) error {
	if !slices.Contains(Known, n) {
		return fmt.Errorf("%w: %s", ErrUnknownCapability, n)
	}
	if _, ok := t.handlers[n]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, n)
	}
	t.handlers[n] = h
	return nil
}

// Lookup resolves a dotted function name.
func (t *Table) Lookup(functionName string) (Handler, error) {
	n, err := ParseName(functionName)
	if err != nil {
		return nil, err
	}
	h, ok := t.handlers[n]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, functionName)
	}
	return h, nil
}

// Names returns the registered names, sorted.
func (t *Table) Names() []string {
	out := make([]string, 0, len(t.handlers))
	for n := range t.handlers {
		out = append(out, n.String())
	}
	sort.Strings(out)
	return out
}

// DefaultTable registers every built-in handler.
func DefaultTable() *Table {
	t := NewTable()
	for _, level := range []string{"log", "info", "warn", "error", "debug", "trace"} {
		t.mustRegister(Name{"console", level}, consoleHandler(level))
	}
	for _, level := range []string{"trace", "debug", "info", "warn", "error"} {
		t.mustRegister(Name{"log", level}, logHandler(level))
	}
	t.mustRegister(Name{"variable", "get"}, variableGet)
	t.mustRegister(Name{"variable", "set"}, variableSet)
	t.mustRegister(Name{"variable", "getAll"}, variableGetAll)
	t.mustRegister(Name{"services", "call"}, servicesCall)
	return t
}

func (t *Table) mustRegister(n Name, h Handler) {
	if err := t.Register(n, h); err != nil {
		panic(err)
	}
}
