package supervisor

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/PROCEED-Labs/proceed-native/internal/ipc"
	"github.com/PROCEED-Labs/proceed-native/internal/model"
)

// fakeProcess is an in-memory runner. Tests drive it through toHost and exit.
type fakeProcess struct {
	spec    RunnerSpec
	toHost  chan ipc.Message
	sent    chan ipc.Message
	exitCh  chan int
	done    chan struct{}
	once    sync.Once
	killErr error

	// onMessage, when set, is called for every message the host sends.
	onMessage func(p *fakeProcess, msg ipc.Message)
}

func newFakeProcess(spec RunnerSpec) *fakeProcess {
	return &fakeProcess{
		spec:   spec,
		toHost: make(chan ipc.Message, 16),
		sent:   make(chan ipc.Message, 16),
		exitCh: make(chan int, 1),
		done:   make(chan struct{}),
	}
}

var errExited = errors.New("runner exited")

func (p *fakeProcess) Send(msg ipc.Message) error {
	select {
	case <-p.done:
		return errExited
	default:
	}
	if p.onMessage != nil {
		p.onMessage(p, msg)
	}
	select {
	case p.sent <- msg:
	default:
	}
	return nil
}

func (p *fakeProcess) Receive() (ipc.Message, error) {
	select {
	case msg := <-p.toHost:
		return msg, nil
	case <-p.done:
		return ipc.Message{}, io.EOF
	}
}

func (p *fakeProcess) Wait() int {
	code := <-p.exitCh
	close(p.done)
	return code
}

func (p *fakeProcess) Kill() error {
	if p.killErr != nil {
		return p.killErr
	}
	p.exit(137)
	return nil
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() { p.exitCh <- code })
}

// fakeSpawner records every spawned runner.
type fakeSpawner struct {
	mu      sync.Mutex
	procs   []*fakeProcess
	err     error
	killErr error
	onSpawn func(p *fakeProcess)
}

func (f *fakeSpawner) Spawn(spec RunnerSpec) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := newFakeProcess(spec)
	p.killErr = f.killErr
	if f.onSpawn != nil {
		f.onSpawn(p)
	}
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeSpawner) proc(i int) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

type staticCallback string

func (c staticCallback) BaseURL(key model.ExecutionKey) string {
	return string(c) + "/" + key.Slot()
}

// recorder collects the events of one or more launches.
type recorder struct {
	mu       sync.Mutex
	events   []model.Event
	finished chan model.Event
}

func newRecorder() *recorder {
	return &recorder{finished: make(chan model.Event, 16)}
}

func (r *recorder) notify(ev model.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if ev.Type == model.EventProcessFinished {
		r.finished <- ev
	}
}

func (r *recorder) waitFinished(t *testing.T) model.Event {
	t.Helper()
	select {
	case ev := <-r.finished:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for process-finished")
		return model.Event{}
	}
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func newTestSupervisor(t *testing.T, sp Spawner) *Supervisor {
	t.Helper()
	return New(Options{
		Spawner:        sp,
		Callback:       staticCallback("http://127.0.0.1:1"),
		Logger:         slog.New(slog.NewJSONHandler(io.Discard, nil)),
		ForwardTimeout: 2 * time.Second,
	})
}

func testKey(instance, script string) model.ExecutionKey {
	return model.ExecutionKey{ProcessID: "p1", ProcessInstanceID: instance, ScriptID: script, TokenID: "t1"}
}

// waitFor polls cond until it holds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
