package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PROCEED-Labs/proceed-native/internal/model"
)

func consoleHandler(level string) Handler {
	return func(_ context.Context, scope *Scope, args []json.RawMessage) (any, error) {
		line := formatArgs(args)
		scope.emit(model.Event{Type: model.EventLog, Level: "console." + level, Line: line})
		return nil, nil
	}
}

func logHandler(level string) Handler {
	return func(ctx context.Context, scope *Scope, args []json.RawMessage) (any, error) {
		line := formatArgs(args)
		if scope.Logger != nil {
			scope.Logger.Log(ctx, slogLevel(level), line,
				"process_id", scope.Key.ProcessID,
				"process_instance_id", scope.Key.ProcessInstanceID,
				"script_id", scope.Key.ScriptID,
			)
		}
		scope.emit(model.Event{Type: model.EventLog, Level: level, Line: line})
		return nil, nil
	}
}

func slogLevel(level string) slog.Level {
	switch level {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// formatArgs renders arguments the way a console would: strings verbatim,
// everything else as JSON.
func formatArgs(args []json.RawMessage) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		var s string
		if err := json.Unmarshal(a, &s); err == nil {
			parts = append(parts, s)
			continue
		}
		parts = append(parts, string(a))
	}
	return strings.Join(parts, " ")
}

func variableGet(_ context.Context, scope *Scope, args []json.RawMessage) (any, error) {
	name, err := stringArg(args, 0, "variable name")
	if err != nil {
		return nil, err
	}
	v, ok := scope.Variables.Get(name)
	if !ok {
		return nil, nil
	}
	return v, nil
}

func variableSet(_ context.Context, scope *Scope, args []json.RawMessage) (any, error) {
	name, err := stringArg(args, 0, "variable name")
	if err != nil {
		return nil, err
	}
	value := json.RawMessage("null")
	if len(args) > 1 {
		value = args[1]
	}
	scope.Variables.Set(name, value)
	scope.emit(model.Event{Type: model.EventVariableChanged, Variable: name, Value: value})
	return nil, nil
}

func variableGetAll(_ context.Context, scope *Scope, _ []json.RawMessage) (any, error) {
	return scope.Variables.All(), nil
}

// servicesCall receives (serviceName, methodName, processId,
// processInstanceId, tokenId, ...args). The ids must agree with the scope the
// caller authenticated against.
func servicesCall(ctx context.Context, scope *Scope, args []json.RawMessage) (any, error) {
	if len(args) < 5 {
		return nil, fmt.Errorf("services.call needs service, method and execution ids, got %d arguments", len(args))
	}
	var fields [5]string
	for i := range fields {
		if err := json.Unmarshal(args[i], &fields[i]); err != nil {
			return nil, fmt.Errorf("services.call argument %d: %w", i, err)
		}
	}
	serviceName, method := fields[0], fields[1]
	if fields[2] != scope.Key.ProcessID || fields[3] != scope.Key.ProcessInstanceID {
		return nil, fmt.Errorf("services.call ids %s/%s do not match caller", fields[2], fields[3])
	}

	if scope.Services == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, serviceName)
	}
	svc, ok := scope.Services.Lookup(serviceName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, serviceName)
	}
	return svc.Call(ctx, method, scope, args[5:])
}

func stringArg(args []json.RawMessage, i int, what string) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing %s", what)
	}
	var s string
	if err := json.Unmarshal(args[i], &s); err != nil {
		return "", fmt.Errorf("%s must be a string: %w", what, err)
	}
	return s, nil
}
