package api

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/PROCEED-Labs/proceed-native/internal/ipc"
	"github.com/PROCEED-Labs/proceed-native/internal/model"
	"github.com/PROCEED-Labs/proceed-native/internal/store"
	"github.com/PROCEED-Labs/proceed-native/internal/supervisor"
)

// fakeRunner is an in-memory runner process.
type fakeRunner struct {
	spec   supervisor.RunnerSpec
	toHost chan ipc.Message
	exitCh chan int
	done   chan struct{}
	once   sync.Once

	// respond answers forwarded requests when set.
	respond func(req *model.HTTPRequest) model.HTTPResponse
}

func (p *fakeRunner) Send(msg ipc.Message) error {
	if msg.Type == ipc.MsgHTTPRequest && p.respond != nil {
		resp := p.respond(msg.Request)
		p.toHost <- ipc.Message{Type: ipc.MsgHTTPResponse, ID: msg.ID, Response: &resp}
	}
	return nil
}

func (p *fakeRunner) Receive() (ipc.Message, error) {
	select {
	case msg := <-p.toHost:
		return msg, nil
	case <-p.done:
		return ipc.Message{}, io.EOF
	}
}

func (p *fakeRunner) Wait() int {
	code := <-p.exitCh
	close(p.done)
	return code
}

func (p *fakeRunner) Kill() error {
	p.exit(137)
	return nil
}

func (p *fakeRunner) exit(code int) {
	p.once.Do(func() { p.exitCh <- code })
}

type fakeSpawner struct {
	mu      sync.Mutex
	runners []*fakeRunner
	onSpawn func(p *fakeRunner)
}

func (f *fakeSpawner) Spawn(spec supervisor.RunnerSpec) (supervisor.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakeRunner{
		spec:   spec,
		toHost: make(chan ipc.Message, 16),
		exitCh: make(chan int, 1),
		done:   make(chan struct{}),
	}
	if f.onSpawn != nil {
		f.onSpawn(p)
	}
	f.runners = append(f.runners, p)
	return p, nil
}

func (f *fakeSpawner) runner(i int) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runners[i]
}

func (f *fakeSpawner) exitAll(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.runners {
		p.exit(code)
	}
}

type testEnv struct {
	srv     *Server
	store   *store.SQLiteStore
	sup     *supervisor.Supervisor
	spawner *fakeSpawner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	sp := &fakeSpawner{}
	sup := supervisor.New(supervisor.Options{
		Spawner:        sp,
		Logger:         logger,
		History:        s,
		ForwardTimeout: time.Second,
	})
	t.Cleanup(func() {
		sp.exitAll(0)
		sup.Wait()
		s.Close()
	})

	return &testEnv{
		srv:     NewServer(":0", s, sup, logger),
		store:   s,
		sup:     sup,
		spawner: sp,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestEnv(t).srv
}

func testKey(instance, script string) model.ExecutionKey {
	return model.ExecutionKey{ProcessID: "p1", ProcessInstanceID: instance, ScriptID: script}
}

// launch starts a fake runner for key and returns its execution id.
func (e *testEnv) launch(t *testing.T, key model.ExecutionKey) string {
	t.Helper()
	id, err := e.sup.Launch(t.Context(), supervisor.LaunchRequest{Key: key, Script: "return 1"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	return id
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

// finished reports whether the execution id has been recorded as ended.
func (e *testEnv) finished(id string) bool {
	ex, err := e.store.GetExecution(context.Background(), id)
	return err == nil && ex.State.Terminal()
}

func logEntry(seq int, level, line string) supervisor.LogEntry {
	return supervisor.LogEntry{Seq: seq, Level: level, Line: line}
}
