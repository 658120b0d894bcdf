package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/PROCEED-Labs/proceed-native/internal/model"
)

// ErrNotFound is returned when an execution or key does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations of the native host: durable
// key/value data for the engine, and the history of script executions.
type Store interface {
	Read(ctx context.Context, key string) (json.RawMessage, error)
	Write(ctx context.Context, key string, value json.RawMessage) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)

	CreateExecution(ctx context.Context, e *model.Execution) error
	FinishExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, int, error)
	InsertLogLine(ctx context.Context, executionID string, seq int, line string) error
	GetLogLines(ctx context.Context, executionID string) ([]model.LogLine, error)

	Close() error
}
