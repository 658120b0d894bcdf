package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/PROCEED-Labs/proceed-native/internal/capability"
	"github.com/PROCEED-Labs/proceed-native/internal/model"
	"github.com/PROCEED-Labs/proceed-native/internal/native"
)

type fakeWriter struct {
	messages []kafkago.Message
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func raw(t *testing.T, vs ...any) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(vs))
	for i, v := range vs {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		out[i] = b
	}
	return out
}

func headerMap(m kafkago.Message) map[string]string {
	out := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func TestNewPublisherValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewPublisher(Config{}); err == nil {
		t.Fatalf("expected error when brokers missing")
	}
	pub, err := NewPublisher(Config{Brokers: []string{"localhost:9092"}, DefaultTopic: "proceed"})
	if err != nil {
		t.Fatalf("NewPublisher returned error: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}

func TestPublishUsesDefaultTopic(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	pub := newPublisher(w, "proceed")
	if err := pub.Publish(context.Background(), Message{Key: "k", Value: []byte(`{"a":1}`)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := pub.Publish(context.Background(), Message{Topic: "other", Value: []byte(`1`)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(w.messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(w.messages))
	}
	if w.messages[0].Topic != "proceed" || string(w.messages[0].Key) != "k" {
		t.Errorf("first message = %+v", w.messages[0])
	}
	if w.messages[1].Topic != "other" || w.messages[1].Key != nil {
		t.Errorf("second message = %+v", w.messages[1])
	}
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	if err := newPublisher(&fakeWriter{}, "").Publish(context.Background(), Message{Value: []byte("1")}); err == nil {
		t.Error("expected error without any topic")
	}

	boom := errors.New("broker down")
	err := newPublisher(&fakeWriter{err: boom}, "t").Publish(context.Background(), Message{Value: []byte("1")})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped broker error", err)
	}

	var nilPub *Publisher
	if err := nilPub.Publish(context.Background(), Message{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("nil publisher err = %v", err)
	}
	if err := nilPub.Close(); err != nil {
		t.Errorf("nil publisher Close = %v", err)
	}
}

func TestModulePublish(t *testing.T) {
	w := &fakeWriter{}
	m := NewModule(newPublisher(w, "proceed"))

	reg := native.NewRegistry(nil)
	reg.Register(m)
	if err := reg.Require(CmdPublish); err != nil {
		t.Fatalf("Require: %v", err)
	}

	if _, err := m.ExecuteCommand(context.Background(), CmdPublish, raw(t, "orders", map[string]int{"n": 1}, "order-1"), nil); err != nil {
		t.Fatalf("positional publish: %v", err)
	}
	obj := map[string]any{"topic": "events", "payload": "started", "headers": map[string]string{"h": "v"}}
	if _, err := m.ExecuteCommand(context.Background(), CmdPublish, raw(t, obj), nil); err != nil {
		t.Fatalf("object publish: %v", err)
	}

	if len(w.messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(w.messages))
	}
	if got := w.messages[0]; got.Topic != "orders" || string(got.Key) != "order-1" || string(got.Value) != `{"n":1}` {
		t.Errorf("positional message = %+v", got)
	}
	if got := w.messages[1]; got.Topic != "events" || string(got.Value) != `"started"` || headerMap(got)["h"] != "v" {
		t.Errorf("object message = %+v", got)
	}

	if _, err := m.ExecuteCommand(context.Background(), CmdPublish, raw(t, "orders"), nil); err == nil {
		t.Error("expected error without payload")
	}
	if _, err := m.ExecuteCommand(context.Background(), "nope", nil, nil); !errors.Is(err, native.ErrUnknownCommand) {
		t.Errorf("unknown command err = %v", err)
	}
}

func TestServiceAddsExecutionHeaders(t *testing.T) {
	w := &fakeWriter{}
	svc := NewService(newPublisher(w, "proceed"))
	scope := &capability.Scope{
		Key: model.ExecutionKey{ProcessID: "p1", ProcessInstanceID: "i1", ScriptID: "s1"},
	}

	got, err := svc.Call(context.Background(), "publish", scope, raw(t, "", []int{1, 2}))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res, ok := got.(map[string]any); !ok || res["published"] != true {
		t.Errorf("result = %#v", got)
	}

	if len(w.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.messages))
	}
	h := headerMap(w.messages[0])
	if h["processId"] != "p1" || h["processInstanceId"] != "i1" || h["scriptIdentifier"] != "s1" {
		t.Errorf("headers = %v", h)
	}
	if w.messages[0].Topic != "proceed" {
		t.Errorf("topic = %q", w.messages[0].Topic)
	}

	if _, err := svc.Call(context.Background(), "subscribe", scope, nil); err == nil {
		t.Error("expected error for unsupported method")
	}
}
