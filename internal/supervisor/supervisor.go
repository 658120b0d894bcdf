package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/PROCEED-Labs/proceed-native/internal/capability"
	"github.com/PROCEED-Labs/proceed-native/internal/ipc"
	"github.com/PROCEED-Labs/proceed-native/internal/listener"
	"github.com/PROCEED-Labs/proceed-native/internal/model"
)

// DefaultForwardTimeout bounds ForwardRequest when Options leaves it unset.
const DefaultForwardTimeout = 30 * time.Second

var (
	// ErrAlreadyExecuting is returned by Launch when the key's slot is taken.
	ErrAlreadyExecuting = errors.New("script already executing")

	// ErrKillFailed is returned by Stop when a runner could not be signalled.
	ErrKillFailed = errors.New("kill runner")

	// ErrForwardTimeout is returned by ForwardRequest when runners did not
	// all answer in time.
	ErrForwardTimeout = errors.New("forwarded request timed out")
)

// History persists execution records and their logs.
type History interface {
	CreateExecution(ctx context.Context, e *model.Execution) error
	FinishExecution(ctx context.Context, e *model.Execution) error
	InsertLogLine(ctx context.Context, executionID string, seq int, line string) error
}

// Callback hands out the address a runner reports back to.
type Callback interface {
	BaseURL(key model.ExecutionKey) string
}

// Options configures a Supervisor.
type Options struct {
	Spawner  Spawner
	Callback Callback
	Services *capability.Services
	Logger   *slog.Logger

	// History is optional.
	History History

	// ForwardTimeout bounds ForwardRequest. Zero means DefaultForwardTimeout.
	ForwardTimeout time.Duration
}

// LaunchRequest asks for one script execution.
type LaunchRequest struct {
	Key       model.ExecutionKey
	Script    string
	Variables map[string]json.RawMessage

	// Token authenticates the runner's callbacks. Empty means generate one.
	Token string

	// Notify receives log, variable-changed and exactly one process-finished
	// event for this launch.
	Notify func(model.Event)
}

// ProcessInfo describes one live runner.
type ProcessInfo struct {
	ExecutionID  string             `json:"executionId"`
	Key          model.ExecutionKey `json:"key"`
	State        model.State        `json:"state"`
	ListenerOpen bool               `json:"listenerOpen"`
	StartedAt    time.Time          `json:"startedAt"`
}

// entry is the supervisor's record of one runner. Mutable fields are
// guarded by Supervisor.mu.
type entry struct {
	id        string
	key       model.ExecutionKey
	token     string
	scope     *capability.Scope
	notify    func(model.Event)
	startedAt time.Time

	proc         Process
	state        model.State
	stopping     bool
	listenerOpen bool
	result       *model.ResultPayload
	logSeq       int

	stdout *outputBuffer
	stderr *outputBuffer
}

// transition moves e to state to when the lifecycle allows it and reports
// whether it did. Callers hold Supervisor.mu.
func (e *entry) transition(to model.State) bool {
	if !model.ValidTransition(e.state, to) {
		return false
	}
	e.state = to
	return true
}

// Supervisor owns every live runner of one native host.
type Supervisor struct {
	spawner        Spawner
	callback       Callback
	services       *capability.Services
	history        History
	broker         *LogBroker
	logger         *slog.Logger
	forwardTimeout time.Duration

	mu       sync.Mutex
	entries  map[string]*entry
	requests map[string]*outstandingRequest

	wg sync.WaitGroup
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = DefaultForwardTimeout
	}
	if opts.Services == nil {
		opts.Services = capability.NewServices()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		spawner:        opts.Spawner,
		callback:       opts.Callback,
		services:       opts.Services,
		history:        opts.History,
		broker:         NewLogBroker(),
		logger:         opts.Logger,
		forwardTimeout: opts.ForwardTimeout,
		entries:        make(map[string]*entry),
		requests:       make(map[string]*outstandingRequest),
	}
}

// Broker returns the log broker for live log subscriptions.
func (s *Supervisor) Broker() *LogBroker {
	return s.broker
}

// Wait blocks until every runner goroutine has finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Launch starts a runner for req.Key and returns without waiting for it. It
// fails with ErrAlreadyExecuting when the key's slot is taken. A runner that
// cannot be spawned is reported as a process-finished event with code 1.
func (s *Supervisor) Launch(ctx context.Context, req LaunchRequest) (string, error) {
	if err := req.Key.Validate(); err != nil {
		return "", err
	}
	token := req.Token
	if token == "" {
		token = model.NewBearerToken()
	}
	notify := req.Notify
	if notify == nil {
		notify = func(model.Event) {}
	}

	e := &entry{
		id:        model.NewID(),
		key:       req.Key,
		token:     token,
		notify:    notify,
		startedAt: time.Now().UTC(),
		state:     model.StateLaunching,
	}
	e.scope = &capability.Scope{
		Key:       req.Key,
		Variables: capability.NewVariables(req.Variables),
		Services:  s.services,
		Logger:    s.logger.With("execution_id", e.id),
		Emit:      func(ev model.Event) { s.emit(e, ev) },
	}
	e.stdout = newOutputBuffer(maxOutputBytes, func(line string) {
		s.emit(e, model.Event{Type: model.EventLog, Level: "stdout", Line: line})
	})
	e.stderr = newOutputBuffer(maxOutputBytes, func(line string) {
		s.emit(e, model.Event{Type: model.EventLog, Level: "stderr", Line: line})
	})

	s.mu.Lock()
	if _, ok := s.entries[e.key.Slot()]; ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAlreadyExecuting, e.key.Slot())
	}
	s.entries[e.key.Slot()] = e
	s.mu.Unlock()
	executionsActive.Inc()

	s.record(ctx, e)

	callbackURL := ""
	if s.callback != nil {
		callbackURL = s.callback.BaseURL(e.key)
	}
	proc, err := s.spawner.Spawn(RunnerSpec{
		Key:         e.key,
		Script:      req.Script,
		Token:       token,
		CallbackURL: callbackURL,
		Stdout:      e.stdout,
		Stderr:      e.stderr,
	})
	if err != nil {
		s.logger.Error("spawn runner", "execution_id", e.id, "key", e.key.String(), "error", err)
		s.finish(e, 1, &model.ScriptFailure{Kind: model.KindScriptFault, Message: err.Error()})
		return e.id, nil
	}

	s.mu.Lock()
	e.proc = proc
	stopped := e.stopping
	if !stopped {
		e.transition(model.StateRunning)
	}
	s.mu.Unlock()

	// Stop ran while the runner was starting.
	if stopped {
		if err := proc.Kill(); err != nil {
			s.logger.Error("kill runner stopped during launch", "execution_id", e.id, "error", err)
		}
	}

	s.logger.Info("runner started", "execution_id", e.id, "key", e.key.String())

	s.wg.Go(func() { s.readLoop(e) })
	s.wg.Go(func() {
		code := proc.Wait()
		s.finish(e, code, nil)
	})
	return e.id, nil
}

// Stop kills every runner selected by sel. Selected entries are removed
// immediately; their process-finished events follow when the runners exit.
// A runner the OS refuses to kill is reinstated and reported as ErrKillFailed.
func (s *Supervisor) Stop(sel model.ExecutionKey) error {
	s.mu.Lock()
	var victims []*entry
	for slot, e := range s.entries {
		if !e.key.Matches(sel) {
			continue
		}
		victims = append(victims, e)
		e.stopping = true
		delete(s.entries, slot)
	}
	s.mu.Unlock()

	var errs []error
	for _, e := range victims {
		s.mu.Lock()
		proc := e.proc
		s.mu.Unlock()
		if proc == nil {
			continue
		}
		if err := proc.Kill(); err != nil {
			errs = append(errs, fmt.Errorf("%w %s: %v", ErrKillFailed, e.key, err))
			s.mu.Lock()
			e.stopping = false
			if _, taken := s.entries[e.key.Slot()]; !taken && !e.state.Terminal() {
				s.entries[e.key.Slot()] = e
			}
			s.mu.Unlock()
			continue
		}
		s.mu.Lock()
		e.transition(model.StateKilled)
		s.mu.Unlock()
		s.logger.Info("runner stopped", "execution_id", e.id, "key", e.key.String())
	}
	return errors.Join(errs...)
}

// Pause signals every running runner selected by sel to suspend between
// script steps. The signal is not acknowledged. It returns the number of
// runners signalled.
func (s *Supervisor) Pause(sel model.ExecutionKey) int {
	return s.signal(sel, model.StateRunning, model.StatePaused, ipc.MsgPause)
}

// Resume signals every paused runner selected by sel to continue.
func (s *Supervisor) Resume(sel model.ExecutionKey) int {
	return s.signal(sel, model.StatePaused, model.StateRunning, ipc.MsgResume)
}

func (s *Supervisor) signal(sel model.ExecutionKey, from, to model.State, msgType string) int {
	s.mu.Lock()
	var targets []*entry
	for _, e := range s.entries {
		if e.key.Matches(sel) && e.state == from && e.proc != nil && e.transition(to) {
			targets = append(targets, e)
		}
	}
	s.mu.Unlock()

	for _, e := range targets {
		if err := e.proc.Send(ipc.Message{Type: msgType}); err != nil {
			s.logger.Warn("signal runner", "execution_id", e.id, "type", msgType, "error", err)
		}
	}
	return len(targets)
}

// GetAllProcesses lists the live runners ordered by key.
func (s *Supervisor) GetAllProcesses() []ProcessInfo {
	s.mu.Lock()
	out := make([]ProcessInfo, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, ProcessInfo{
			ExecutionID:  e.id,
			Key:          e.key,
			State:        e.state,
			ListenerOpen: e.listenerOpen,
			StartedAt:    e.startedAt,
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Callees implements listener.Resolver.
func (s *Supervisor) Callees(sel model.ExecutionKey) []listener.Callee {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []listener.Callee
	for _, e := range s.entries {
		if !e.key.Matches(sel) {
			continue
		}
		out = append(out, listener.Callee{
			Key:     e.key,
			Token:   e.token,
			Scope:   e.scope,
			Deliver: func(p model.ResultPayload) { s.deliverResult(e, p) },
		})
	}
	return out
}

// deliverResult stores the final result a runner posted. It is read when the
// runner exits. Later deliveries replace earlier ones.
func (s *Supervisor) deliverResult(e *entry, p model.ResultPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.result = &p
}

// readLoop handles messages from one runner until its channel closes.
func (s *Supervisor) readLoop(e *entry) {
	for {
		msg, err := e.proc.Receive()
		if err != nil {
			return
		}
		switch msg.Type {
		case ipc.MsgOpenHTTPServer:
			s.mu.Lock()
			e.listenerOpen = true
			s.mu.Unlock()
		case ipc.MsgHTTPResponse:
			resp := model.HTTPResponse{StatusCode: 404}
			if msg.Response != nil {
				resp = *msg.Response
			}
			s.answer(msg.ID, e, resp)
		default:
			s.logger.Warn("unknown runner message", "execution_id", e.id, "type", msg.Type)
		}
	}
}

// emit forwards ev to the engine and, for log lines, to history and the broker.
func (s *Supervisor) emit(e *entry, ev model.Event) {
	ev.Key = e.key
	if ev.Type == model.EventLog {
		s.mu.Lock()
		seq := e.logSeq
		e.logSeq++
		s.mu.Unlock()

		if s.history != nil {
			if err := s.history.InsertLogLine(context.Background(), e.id, seq, ev.Line); err != nil {
				s.logger.Error("persist log line", "execution_id", e.id, "seq", seq, "error", err)
			}
		}
		s.broker.Publish(e.id, LogEntry{Seq: seq, Level: ev.Level, Line: ev.Line})
	}
	e.notify(ev)
}

func (s *Supervisor) record(ctx context.Context, e *entry) {
	if s.history == nil {
		return
	}
	rec := &model.Execution{
		ID:        e.id,
		Key:       e.key,
		State:     model.StateLaunching,
		CreatedAt: e.startedAt,
	}
	if err := s.history.CreateExecution(ctx, rec); err != nil {
		s.logger.Error("record execution", "execution_id", e.id, "error", err)
	}
}

// finish runs once per launch attempt after the runner exited or could not
// be spawned.
func (s *Supervisor) finish(e *entry, code int, spawnFailure *model.ScriptFailure) {
	e.stdout.Flush()
	e.stderr.Flush()

	s.mu.Lock()
	if cur, ok := s.entries[e.key.Slot()]; ok && cur == e {
		delete(s.entries, e.key.Slot())
	}
	if e.stopping {
		e.transition(model.StateKilled)
	} else {
		e.transition(model.StateFinished)
	}
	state := e.state
	result := e.result
	orphaned := s.pendingFor(e)
	s.mu.Unlock()

	// A runner that died before answering counts as having no route.
	for _, id := range orphaned {
		s.answer(id, e, model.HTTPResponse{StatusCode: 404})
	}

	ev := model.Event{
		Type:   model.EventProcessFinished,
		Key:    e.key,
		Code:   &code,
		Stdout: e.stdout.String(),
		Stderr: e.stderr.String(),
	}
	failure := spawnFailure
	if result != nil {
		ev.Result = result.Result
		if result.Error != nil {
			failure = result.Error
		}
	}
	ev.Failure = failure

	outcome := "ok"
	switch {
	case spawnFailure != nil:
		outcome = "spawn_error"
	case state == model.StateKilled:
		outcome = "killed"
	case code != 0 || failure != nil:
		outcome = "failed"
	}
	executionsTotal.WithLabelValues(outcome).Inc()
	executionsActive.Dec()

	s.logger.Info("runner finished", "execution_id", e.id, "key", e.key.String(), "code", code, "outcome", outcome)

	if s.history != nil {
		now := time.Now().UTC()
		rec := &model.Execution{
			ID:         e.id,
			Key:        e.key,
			State:      state,
			ExitCode:   &code,
			Result:     ev.Result,
			Failure:    failure,
			FinishedAt: &now,
		}
		if err := s.history.FinishExecution(context.Background(), rec); err != nil {
			s.logger.Error("record finished execution", "execution_id", e.id, "error", err)
		}
	}
	s.broker.Close(e.id)

	e.notify(ev)
}
