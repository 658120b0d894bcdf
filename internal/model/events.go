package model

import "encoding/json"

// Event types forwarded to the engine for one execution.
const (
	EventProcessFinished = "process-finished"
	EventLog             = "log"
	EventVariableChanged = "variable-changed"
)

// Event is a lifecycle or progress notification for one execution. Exactly one
// process-finished event is produced per launch attempt.
type Event struct {
	Type     string          `json:"type"`
	Key      ExecutionKey    `json:"key"`
	Code     *int            `json:"code,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Failure  *ScriptFailure  `json:"error,omitempty"`
	Level    string          `json:"level,omitempty"`
	Line     string          `json:"line,omitempty"`
	Variable string          `json:"variable,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Stdout   string          `json:"stdout,omitempty"`
	Stderr   string          `json:"stderr,omitempty"`
}

// HTTPRequest is an HTTP-shaped request forwarded to runners with an open
// in-script route.
type HTTPRequest struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Query   map[string]string   `json:"query,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    json.RawMessage     `json:"body,omitempty"`
}

// HTTPResponse is a runner's answer to an HTTPRequest.
type HTTPResponse struct {
	StatusCode int             `json:"statusCode"`
	Response   json.RawMessage `json:"response,omitempty"`
}

// ExitCode returns the exit code of a process-finished event, or -1.
func (e Event) ExitCode() int {
	if e.Code == nil {
		return -1
	}
	return *e.Code
}
