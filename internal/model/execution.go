package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wildcard matches any value in an execution selector.
const Wildcard = "*"

// ExecutionKey identifies one script execution. At most one runner may be
// active per (ProcessID, ProcessInstanceID, ScriptID).
type ExecutionKey struct {
	ProcessID         string `json:"processId"`
	ProcessInstanceID string `json:"processInstanceId"`
	ScriptID          string `json:"scriptIdentifier"`
	TokenID           string `json:"tokenId,omitempty"`
}

// Slot returns the part of the key that must be unique among live runners.
func (k ExecutionKey) Slot() string {
	return k.ProcessID + "/" + k.ProcessInstanceID + "/" + k.ScriptID
}

func (k ExecutionKey) String() string {
	if k.TokenID == "" {
		return k.Slot()
	}
	return k.Slot() + "#" + k.TokenID
}

// Validate checks that the key carries the fields required to launch.
func (k ExecutionKey) Validate() error {
	if k.ProcessID == "" || k.ProcessInstanceID == "" || k.ScriptID == "" {
		return fmt.Errorf("execution key requires processId, processInstanceId and scriptIdentifier")
	}
	if k.ProcessID == Wildcard || k.ProcessInstanceID == Wildcard || k.ScriptID == Wildcard {
		return fmt.Errorf("execution key %s must not contain wildcards", k)
	}
	return nil
}

// Matches reports whether k is selected by sel. Empty or wildcard fields in
// sel match any value.
func (k ExecutionKey) Matches(sel ExecutionKey) bool {
	return matchField(sel.ProcessID, k.ProcessID) &&
		matchField(sel.ProcessInstanceID, k.ProcessInstanceID) &&
		matchField(sel.ScriptID, k.ScriptID) &&
		matchField(sel.TokenID, k.TokenID)
}

func matchField(sel, v string) bool {
	return sel == "" || sel == Wildcard || sel == v
}

// State is the lifecycle state of a runner entry.
type State string

// Runner states.
const (
	StateLaunching State = "launching"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateFinished  State = "finished"
	StateKilled    State = "killed"
)

// validTransitions maps each state to the states it may move to.
var validTransitions = map[State]map[State]bool{
	StateLaunching: {
		StateRunning:  true,
		StateFinished: true,
		StateKilled:   true,
	},
	StateRunning: {
		StatePaused:   true,
		StateFinished: true,
		StateKilled:   true,
	},
	StatePaused: {
		StateRunning:  true,
		StateFinished: true,
		StateKilled:   true,
	},
}

// ValidTransition reports whether moving from one state to another is allowed.
func ValidTransition(from, to State) bool {
	return validTransitions[from][to]
}

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateKilled
}

// Execution is the persisted history record of one launch attempt.
type Execution struct {
	ID         string          `json:"id"`
	Key        ExecutionKey    `json:"key"`
	State      State           `json:"state"`
	ExitCode   *int            `json:"exit_code,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Failure    *ScriptFailure  `json:"failure,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// LogLine is a single persisted log line from a script execution.
type LogLine struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Seq         int       `json:"seq"`
	Line        string    `json:"line"`
	CreatedAt   time.Time `json:"created_at"`
}
