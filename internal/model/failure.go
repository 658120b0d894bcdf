package model

import (
	"encoding/json"
	"fmt"
)

// Failure kinds. BpmnError and BpmnEscalation are workflow-level signals
// raised deliberately by script code; ScriptFault is anything else.
const (
	KindBpmnError      = "BpmnError"
	KindBpmnEscalation = "BpmnEscalation"
	KindScriptFault    = "ScriptFault"
)

// ScriptFailure is the error payload a runner delivers with its final result.
type ScriptFailure struct {
	Kind    string            `json:"kind"`
	Args    []json.RawMessage `json:"args,omitempty"`
	Message string            `json:"message,omitempty"`
	Stack   string            `json:"stack,omitempty"`
}

// IsDomainSignal reports whether the failure is a BpmnError or BpmnEscalation.
func (f *ScriptFailure) IsDomainSignal() bool {
	return f != nil && (f.Kind == KindBpmnError || f.Kind == KindBpmnEscalation)
}

func (f *ScriptFailure) Error() string {
	if f.IsDomainSignal() {
		return fmt.Sprintf("%s(%s)", f.Kind, joinArgs(f.Args))
	}
	return f.Message
}

func joinArgs(args []json.RawMessage) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += ", "
		}
		out += string(a)
	}
	return out
}

// ResultPayload is the body a runner posts to the result endpoint.
type ResultPayload struct {
	Result json.RawMessage `json:"result"`
	Error  *ScriptFailure  `json:"error,omitempty"`
}
