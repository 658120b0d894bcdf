package capability

import (
	"encoding/json"
	"maps"
	"sync"
)

// Variables is the process-instance variable snapshot a runner reads and
// writes. Changes are reported to the engine through Scope.Emit.
type Variables struct {
	mu   sync.RWMutex
	vals map[string]json.RawMessage
}

// NewVariables copies initial into a new snapshot.
func NewVariables(initial map[string]json.RawMessage) *Variables {
	v := &Variables{vals: make(map[string]json.RawMessage, len(initial))}
	maps.Copy(v.vals, initial)
	return v
}

// Get returns the value of name.
func (v *Variables) Get(name string) (json.RawMessage, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.vals[name]
	return val, ok
}

// Set stores value under name.
func (v *Variables) Set(name string, value json.RawMessage) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vals[name] = value
}

// All returns a copy of every variable.
func (v *Variables) All() map[string]json.RawMessage {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return maps.Clone(v.vals)
}
