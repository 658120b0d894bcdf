package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/PROCEED-Labs/proceed-native/internal/native"
)

// Commands beyond the required durable-read and durable-write.
const (
	CmdDurableDelete = "durable-delete"
	CmdDurableKeys   = "durable-keys"
)

// DurableModule exposes the key/value part of a Store to the engine.
type DurableModule struct {
	store Store
}

// NewDurableModule creates the durable storage native module.
func NewDurableModule(s Store) *DurableModule {
	return &DurableModule{store: s}
}

// Name implements native.Module.
func (m *DurableModule) Name() string { return "durable" }

// Commands implements native.Module.
func (m *DurableModule) Commands() []string {
	return []string{native.CmdDurableRead, native.CmdDurableWrite, CmdDurableDelete, CmdDurableKeys}
}

// ExecuteCommand implements native.Module. durable-read answers null for a
// missing key; durable-write and durable-delete answer nothing; durable-keys
// lists the keys under an optional prefix.
func (m *DurableModule) ExecuteCommand(ctx context.Context, command string, args []json.RawMessage, _ native.Responder) (any, error) {
	var key string
	if err := native.Arg(args, 0, &key); err != nil {
		return nil, fmt.Errorf("%s: decode key: %w", command, err)
	}
	if command == CmdDurableKeys {
		return m.store.Keys(ctx, key)
	}
	if key == "" {
		return nil, fmt.Errorf("%s: key is required", command)
	}

	switch command {
	case native.CmdDurableRead:
		v, err := m.store.Read(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return json.RawMessage("null"), nil
		}
		if err != nil {
			return nil, err
		}
		return v, nil

	case native.CmdDurableWrite:
		if len(args) < 2 {
			return nil, fmt.Errorf("%s: value is required", command)
		}
		return nil, m.store.Write(ctx, key, args[1])

	case CmdDurableDelete:
		err := m.store.Delete(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", native.ErrUnknownCommand, command)
}
