// Package bridge runs one script inside a goja isolate and connects the
// capabilities it sees to the host over the authenticated callback channel.
package bridge

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/metrics"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/PROCEED-Labs/proceed-native/internal/capability"
	"github.com/PROCEED-Labs/proceed-native/internal/ipc"
	"github.com/PROCEED-Labs/proceed-native/internal/model"
)

//go:embed prelude.js
var prelude string

// ErrStalled is reported when the script awaits something nothing can
// deliver: no timer is pending and no inbound route is open.
var ErrStalled = errors.New("script is waiting but nothing can wake it")

// ErrMemoryLimit interrupts a script whose live heap grows past the runner
// ceiling.
var ErrMemoryLimit = errors.New("script exceeded memory limit")

const (
	memoryPollInterval = 10 * time.Millisecond
	liveHeapMetric     = "/gc/heap/live:bytes"
)

// Channel is the runner's side of the IPC channel.
type Channel interface {
	Send(msg ipc.Message) error
	Receive() (ipc.Message, error)
}

// Runtime executes one script.
type Runtime struct {
	vm     *goja.Runtime
	caller *Caller
	ch     Channel
	key    model.ExecutionKey
	logger *slog.Logger
	gate   gate

	timers    map[int64]time.Time
	listening bool
	inbound   *inbox
	openOnce  sync.Once
	ctx       context.Context

	// memoryLimit is the live heap ceiling in bytes. Zero disables it.
	memoryLimit uint64
}

// inbox queues forwarded requests so the receive loop never waits on a
// script that is busy elsewhere.
type inbox struct {
	mu    sync.Mutex
	queue []ipc.Message
	ready chan struct{}
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{}, 1)}
}

func (b *inbox) push(msg ipc.Message) {
	b.mu.Lock()
	b.queue = append(b.queue, msg)
	b.mu.Unlock()
	b.signal()
}

// pop takes the oldest message and re-arms ready while more are queued.
func (b *inbox) pop() (ipc.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return ipc.Message{}, false
	}
	msg := b.queue[0]
	b.queue = b.queue[1:]
	if len(b.queue) > 0 {
		b.signal()
	}
	return msg, true
}

func (b *inbox) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// NewRuntime builds an isolate exposing only the capability stubs, the
// domain error constructors, timers and getService. ch may be nil, in which
// case pause signals and inbound routes are unavailable.
func NewRuntime(key model.ExecutionKey, caller *Caller, ch Channel, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{
		vm:      goja.New(),
		caller:  caller,
		ch:      ch,
		key:     key,
		logger:  logger,
		timers:  make(map[int64]time.Time),
		inbound: newInbox(),
		ctx:     context.Background(),
	}

	globals := map[string]any{
		"__call":       rt.hostCall,
		"__schedule":   rt.schedule,
		"__cancel":     rt.cancel,
		"__openServer": rt.openServer,
		"__respond":    rt.respond,
		"__key": map[string]any{
			"processId":         key.ProcessID,
			"processInstanceId": key.ProcessInstanceID,
			"scriptIdentifier":  key.ScriptID,
			"tokenId":           key.TokenID,
		},
	}
	for name, v := range globals {
		if err := rt.vm.Set(name, v); err != nil {
			return nil, fmt.Errorf("install %s: %w", name, err)
		}
	}

	if _, err := rt.vm.RunScript("prelude.js", prelude); err != nil {
		return nil, fmt.Errorf("run prelude: %w", err)
	}
	if err := rt.installStubs(); err != nil {
		return nil, err
	}
	return rt, nil
}

// installStubs puts one stub per known capability under
// globalThis[namespace][method].
func (rt *Runtime) installStubs() error {
	stub, ok := goja.AssertFunction(rt.vm.Get("__stub"))
	if !ok {
		return errors.New("prelude did not define __stub")
	}
	namespaces := make(map[string]*goja.Object)
	for _, n := range capability.Known {
		ns, ok := namespaces[n.Namespace]
		if !ok {
			ns = rt.vm.NewObject()
			namespaces[n.Namespace] = ns
			if err := rt.vm.Set(n.Namespace, ns); err != nil {
				return fmt.Errorf("install namespace %s: %w", n.Namespace, err)
			}
		}
		fn, err := stub(goja.Undefined(), rt.vm.ToValue(n.String()))
		if err != nil {
			return fmt.Errorf("build stub %s: %w", n, err)
		}
		if err := ns.Set(n.Method, fn); err != nil {
			return fmt.Errorf("install stub %s: %w", n, err)
		}
	}
	return nil
}

// hostCall performs one blocking capability round trip. The isolate is
// suspended until the host answers.
func (rt *Runtime) hostCall(name string, argsJSON string) goja.Value {
	if err := rt.gate.wait(rt.ctx); err != nil {
		panic(rt.vm.NewGoError(err))
	}
	result, err := rt.caller.Call(rt.ctx, name, json.RawMessage(argsJSON))
	if err != nil {
		panic(rt.vm.NewGoError(fmt.Errorf("%s: %w", name, err)))
	}
	if result == nil {
		return goja.Undefined()
	}
	return rt.vm.ToValue(string(result))
}

func (rt *Runtime) schedule(id int64, ms float64) {
	if ms < 0 {
		ms = 0
	}
	rt.timers[id] = time.Now().Add(time.Duration(ms * float64(time.Millisecond)))
}

func (rt *Runtime) cancel(id int64) {
	delete(rt.timers, id)
}

func (rt *Runtime) openServer() {
	rt.listening = true
	if rt.ch == nil {
		return
	}
	rt.openOnce.Do(func() {
		if err := rt.ch.Send(ipc.Message{Type: ipc.MsgOpenHTTPServer}); err != nil {
			rt.logger.Warn("announce route", "error", err)
		}
	})
}

func (rt *Runtime) respond(id string, respJSON string) {
	if rt.ch == nil {
		return
	}
	var resp model.HTTPResponse
	if err := json.Unmarshal([]byte(respJSON), &resp); err != nil {
		resp = model.HTTPResponse{StatusCode: 500}
	}
	if err := rt.ch.Send(ipc.Message{Type: ipc.MsgHTTPResponse, ID: id, Response: &resp}); err != nil {
		rt.logger.Warn("answer forwarded request", "request_id", id, "error", err)
	}
}

// receive reads host messages until the channel closes. Control signals act
// on the gate directly so a pause lands even while the script is inside a
// capability call.
func (rt *Runtime) receive() {
	for {
		msg, err := rt.ch.Receive()
		if err != nil {
			return
		}
		switch msg.Type {
		case ipc.MsgPause:
			rt.gate.pause()
		case ipc.MsgResume:
			rt.gate.unpause()
		case ipc.MsgHTTPRequest:
			rt.inbound.push(msg)
		default:
			rt.logger.Warn("unknown host message", "type", msg.Type)
		}
	}
}

// wrap turns a script body into an async entry point whose promise resolves
// to the JSON-encoded result and rejects with the serialized domain error or
// the raw thrown value.
func wrap(script string) string {
	var b strings.Builder
	b.WriteString("(async function () {\n  try {\n    const __value = await (async function () {\n")
	b.WriteString(script)
	b.WriteString("\n    })();\n    const __json = JSON.stringify(__value === undefined ? null : __value);\n")
	// Functions and symbols have no JSON form.
	b.WriteString("    return __json === undefined ? 'null' : __json;\n")
	b.WriteString("  } catch (e) {\n    throw __serializeError(e);\n  }\n})()")
	return b.String()
}

// Execute runs script to completion and returns its result payload.
func (rt *Runtime) Execute(parent context.Context, script string) model.ResultPayload {
	ctx, abort := context.WithCancelCause(parent)
	defer abort(nil)
	rt.ctx = ctx
	stop := context.AfterFunc(ctx, func() { rt.vm.Interrupt(context.Cause(ctx)) })
	defer stop()

	if rt.memoryLimit > 0 {
		go rt.watchMemory(ctx, abort)
	}

	if rt.ch != nil {
		go rt.receive()
	}

	v, err := rt.vm.RunScript("script.js", wrap(script))
	if err != nil {
		return failed(failureFromError(err))
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return failed(&model.ScriptFailure{Kind: model.KindScriptFault, Message: "script entry point did not return a promise"})
	}

	for {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			result := json.RawMessage(p.Result().String())
			if !json.Valid(result) {
				result = json.RawMessage("null")
			}
			return model.ResultPayload{Result: result}
		case goja.PromiseStateRejected:
			return failed(failureFromValue(p.Result()))
		}
		if err := rt.step(ctx); err != nil {
			return failed(failureFromError(err))
		}
	}
}

// step waits for the next timer or inbound request and runs its callback.
func (rt *Runtime) step(ctx context.Context) error {
	if len(rt.timers) == 0 && !rt.listening {
		return ErrStalled
	}

	var timerC <-chan time.Time
	var due int64
	if len(rt.timers) > 0 {
		var at time.Time
		for id, t := range rt.timers {
			if at.IsZero() || t.Before(at) || (t.Equal(at) && id < due) {
				at, due = t, id
			}
		}
		timer := time.NewTimer(time.Until(at))
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timerC:
		if err := rt.gate.wait(ctx); err != nil {
			return context.Cause(ctx)
		}
		delete(rt.timers, due)
		return rt.callGlobal("__fire", rt.vm.ToValue(due))
	case <-rt.inbound.ready:
		msg, ok := rt.inbound.pop()
		if !ok {
			return nil
		}
		if err := rt.gate.wait(ctx); err != nil {
			return context.Cause(ctx)
		}
		req, err := json.Marshal(msg.Request)
		if err != nil {
			return fmt.Errorf("encode forwarded request: %w", err)
		}
		return rt.callGlobal("__dispatchRequest", rt.vm.ToValue(msg.ID), rt.vm.ToValue(string(req)))
	}
}

// watchMemory samples the live heap until ctx ends and aborts the script
// once it is over the ceiling. The runner runs one script, so the process
// heap is the script's heap.
func (rt *Runtime) watchMemory(ctx context.Context, abort context.CancelCauseFunc) {
	samples := []metrics.Sample{{Name: liveHeapMetric}}
	tick := time.NewTicker(memoryPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		metrics.Read(samples)
		if samples[0].Value.Kind() != metrics.KindUint64 {
			return
		}
		if live := samples[0].Value.Uint64(); live > rt.memoryLimit {
			rt.logger.Warn("memory limit exceeded", "live_bytes", live, "limit_bytes", rt.memoryLimit)
			abort(fmt.Errorf("%w of %d MiB", ErrMemoryLimit, rt.memoryLimit>>20))
			return
		}
	}
}

func (rt *Runtime) callGlobal(name string, args ...goja.Value) error {
	fn, ok := goja.AssertFunction(rt.vm.Get(name))
	if !ok {
		return fmt.Errorf("prelude did not define %s", name)
	}
	_, err := fn(goja.Undefined(), args...)
	return err
}

func failed(f *model.ScriptFailure) model.ResultPayload {
	return model.ResultPayload{Result: json.RawMessage("null"), Error: f}
}

func failureFromError(err error) *model.ScriptFailure {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		f := failureFromValue(exc.Value())
		if f.Stack == "" {
			f.Stack = exc.String()
		}
		return f
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &model.ScriptFailure{Kind: model.KindScriptFault, Message: "script interrupted: " + interrupted.Error()}
	}
	return &model.ScriptFailure{Kind: model.KindScriptFault, Message: err.Error()}
}

// failureFromValue parses the serialized domain error form and falls back to
// treating v as an opaque fault.
func failureFromValue(v goja.Value) *model.ScriptFailure {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return &model.ScriptFailure{Kind: model.KindScriptFault, Message: "script threw " + fmt.Sprint(v)}
	}

	if s, ok := v.Export().(string); ok {
		var f model.ScriptFailure
		if json.Unmarshal([]byte(s), &f) == nil && f.IsDomainSignal() {
			return &f
		}
		return &model.ScriptFailure{Kind: model.KindScriptFault, Message: s}
	}

	if obj, ok := v.(*goja.Object); ok {
		f := &model.ScriptFailure{Kind: model.KindScriptFault, Message: v.String()}
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			f.Message = msg.String()
		}
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			f.Stack = stack.String()
		}
		return f
	}
	return &model.ScriptFailure{Kind: model.KindScriptFault, Message: v.String()}
}
