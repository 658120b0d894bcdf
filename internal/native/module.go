package native

import (
	"context"
	"encoding/json"
)

// Responder delivers a response for the command being executed. It may be
// called zero, one or many times for a single command.
type Responder func(err error, data ...any)

type deferred struct{}

// Deferred is returned by modules that answer through the Responder instead
// of returning a value.
var Deferred any = deferred{}

// Module is a host capability reachable from the engine.
type Module interface {
	// Name identifies the module in logs and metrics.
	Name() string

	// Commands lists every command name the module handles.
	Commands() []string

	// ExecuteCommand runs one command. Returning Deferred hands responsibility
	// for answering to the module; any other return value (or error) is
	// delivered once by the registry.
	ExecuteCommand(ctx context.Context, command string, args []json.RawMessage, respond Responder) (any, error)
}

// Command names every native host must provide before the engine starts.
const (
	CmdServiceDiscovery = "service-discovery"
	CmdDurableRead      = "durable-read"
	CmdDurableWrite     = "durable-write"
)

// RequiredCommands are checked at startup by Registry.Require.
var RequiredCommands = []string{CmdServiceDiscovery, CmdDurableRead, CmdDurableWrite}

// Arg decodes args[i] into v. A missing argument leaves v untouched.
func Arg(args []json.RawMessage, i int, v any) error {
	if i >= len(args) || len(args[i]) == 0 {
		return nil
	}
	return json.Unmarshal(args[i], v)
}
