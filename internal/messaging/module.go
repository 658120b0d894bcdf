package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/PROCEED-Labs/proceed-native/internal/capability"
	"github.com/PROCEED-Labs/proceed-native/internal/native"
)

// CmdPublish publishes one message for the engine.
const CmdPublish = "messaging-publish"

// publishArgs is the object form accepted by both the native command and
// the script service.
type publishArgs struct {
	Topic   string            `json:"topic"`
	Key     string            `json:"key"`
	Payload json.RawMessage   `json:"payload"`
	Headers map[string]string `json:"headers"`
}

func (a publishArgs) message() (Message, error) {
	if len(a.Payload) == 0 {
		return Message{}, fmt.Errorf("payload is required")
	}
	return Message{Topic: a.Topic, Key: a.Key, Value: a.Payload, Headers: a.Headers}, nil
}

// decodePublish accepts either a single object argument or the positional
// form (topic, payload, key?).
func decodePublish(args []json.RawMessage) (publishArgs, error) {
	var a publishArgs
	if len(args) == 1 && len(args[0]) > 0 && args[0][0] == '{' {
		if err := json.Unmarshal(args[0], &a); err != nil {
			return a, fmt.Errorf("decode message: %w", err)
		}
		return a, nil
	}
	if err := native.Arg(args, 0, &a.Topic); err != nil {
		return a, fmt.Errorf("decode topic: %w", err)
	}
	if len(args) > 1 {
		a.Payload = args[1]
	}
	if err := native.Arg(args, 2, &a.Key); err != nil {
		return a, fmt.Errorf("decode key: %w", err)
	}
	return a, nil
}

// Module exposes the publisher to the engine.
type Module struct {
	pub *Publisher
}

// NewModule creates the messaging native module.
func NewModule(pub *Publisher) *Module {
	return &Module{pub: pub}
}

// Name implements native.Module.
func (m *Module) Name() string { return "messaging" }

// Commands implements native.Module.
func (m *Module) Commands() []string { return []string{CmdPublish} }

// ExecuteCommand implements native.Module.
func (m *Module) ExecuteCommand(ctx context.Context, command string, args []json.RawMessage, _ native.Responder) (any, error) {
	if command != CmdPublish {
		return nil, fmt.Errorf("%w: %s", native.ErrUnknownCommand, command)
	}
	a, err := decodePublish(args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", command, err)
	}
	msg, err := a.message()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", command, err)
	}
	return nil, m.pub.Publish(ctx, msg)
}

// Service is the script-facing messaging service:
// getService('messaging').publish(topic, payload, key?).
type Service struct {
	pub *Publisher
}

// NewService wraps pub as a script service.
func NewService(pub *Publisher) *Service {
	return &Service{pub: pub}
}

var _ capability.Service = (*Service)(nil)

// Call implements capability.Service. Messages carry the calling
// execution's identity as headers.
func (s *Service) Call(ctx context.Context, method string, scope *capability.Scope, args []json.RawMessage) (any, error) {
	if method != "publish" {
		return nil, fmt.Errorf("messaging: unsupported method %q", method)
	}
	a, err := decodePublish(args)
	if err != nil {
		return nil, fmt.Errorf("messaging: %w", err)
	}
	msg, err := a.message()
	if err != nil {
		return nil, fmt.Errorf("messaging: %w", err)
	}
	if scope != nil {
		headers := map[string]string{
			"processId":         scope.Key.ProcessID,
			"processInstanceId": scope.Key.ProcessInstanceID,
			"scriptIdentifier":  scope.Key.ScriptID,
		}
		for k, v := range msg.Headers {
			headers[k] = v
		}
		msg.Headers = headers
	}
	if err := s.pub.Publish(ctx, msg); err != nil {
		return nil, fmt.Errorf("messaging: %w", err)
	}
	return map[string]any{"published": true}, nil
}
