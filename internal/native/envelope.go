package native

import "encoding/json"

// Command is sent from the engine to the native host.
type Command struct {
	ID   string            `json:"taskID"`
	Name string            `json:"command"`
	Args []json.RawMessage `json:"args,omitempty"`
}

// Response answers a Command. Several responses may share one ID when a
// command streams progress before its final answer.
type Response struct {
	ID    string            `json:"taskID"`
	Error string            `json:"error,omitempty"`
	Data  []json.RawMessage `json:"data,omitempty"`
}

// Err returns the response error, or nil.
func (r Response) Err() error {
	if r.Error == "" {
		return nil
	}
	return &RemoteError{Message: r.Error}
}

// RemoteError is an error reported by a module on the other side of the channel.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}
