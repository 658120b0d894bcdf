package supervisor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/PROCEED-Labs/proceed-native/internal/model"
	"github.com/PROCEED-Labs/proceed-native/internal/native"
)

// Commands of the script-execution module.
const (
	CmdExecuteScript      = "execute-script"
	CmdStopScript         = "stop-script"
	CmdPauseScript        = "pause-script"
	CmdResumeScript       = "resume-script"
	CmdForwardHTTPRequest = "forward-http-request"
	CmdListScripts        = "list-scripts"
)

// executeArgs is the single argument of execute-script.
type executeArgs struct {
	model.ExecutionKey
	Script    string                     `json:"script"`
	Variables map[string]json.RawMessage `json:"variables,omitempty"`
}

type forwardArgs struct {
	ProcessInstanceID string            `json:"processInstanceId"`
	Request           model.HTTPRequest `json:"request"`
}

// Module exposes a Supervisor to the engine as native commands.
type Module struct {
	sup *Supervisor
}

// NewModule wraps sup.
func NewModule(sup *Supervisor) *Module {
	return &Module{sup: sup}
}

// Name implements native.Module.
func (m *Module) Name() string { return "script-execution" }

// Commands implements native.Module.
func (m *Module) Commands() []string {
	return []string{
		CmdExecuteScript, CmdStopScript, CmdPauseScript,
		CmdResumeScript, CmdForwardHTTPRequest, CmdListScripts,
	}
}

// ExecuteCommand implements native.Module. execute-script streams every
// event of the execution and ends with its process-finished event; the other
// commands answer once.
func (m *Module) ExecuteCommand(ctx context.Context, command string, args []json.RawMessage, respond native.Responder) (any, error) {
	switch command {
	case CmdExecuteScript:
		var a executeArgs
		if err := native.Arg(args, 0, &a); err != nil {
			return nil, fmt.Errorf("decode %s arguments: %w", command, err)
		}
		_, err := m.sup.Launch(ctx, LaunchRequest{
			Key:       a.ExecutionKey,
			Script:    a.Script,
			Variables: a.Variables,
			Notify:    func(ev model.Event) { respond(nil, ev) },
		})
		if err != nil {
			return nil, err
		}
		return native.Deferred, nil

	case CmdStopScript, CmdPauseScript, CmdResumeScript:
		var sel model.ExecutionKey
		if err := native.Arg(args, 0, &sel); err != nil {
			return nil, fmt.Errorf("decode %s selector: %w", command, err)
		}
		switch command {
		case CmdStopScript:
			return nil, m.sup.Stop(sel)
		case CmdPauseScript:
			return map[string]int{"signalled": m.sup.Pause(sel)}, nil
		default:
			return map[string]int{"signalled": m.sup.Resume(sel)}, nil
		}

	case CmdForwardHTTPRequest:
		var a forwardArgs
		if err := native.Arg(args, 0, &a); err != nil {
			return nil, fmt.Errorf("decode %s arguments: %w", command, err)
		}
		if a.ProcessInstanceID == "" {
			return nil, fmt.Errorf("%s: processInstanceId is required", command)
		}
		return m.sup.ForwardRequest(ctx, a.ProcessInstanceID, a.Request)

	case CmdListScripts:
		return m.sup.GetAllProcesses(), nil
	}
	return nil, fmt.Errorf("%w: %s", native.ErrUnknownCommand, command)
}
