package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/PROCEED-Labs/proceed-native/internal/ipc"
	"github.com/PROCEED-Labs/proceed-native/internal/model"
)

func TestLaunchRejectsSecondRunnerForSameSlot(t *testing.T) {
	sp := &fakeSpawner{}
	sup := newTestSupervisor(t, sp)
	rec := newRecorder()
	ctx := context.Background()

	k := testKey("i1", "s1")
	if _, err := sup.Launch(ctx, LaunchRequest{Key: k, Script: "return 1", Notify: rec.notify}); err != nil {
		t.Fatalf("first Launch: %v", err)
	}

	// Same slot with a different token id is still the same slot.
	other := k
	other.TokenID = "t2"
	if _, err := sup.Launch(ctx, LaunchRequest{Key: other, Notify: rec.notify}); !errors.Is(err, ErrAlreadyExecuting) {
		t.Fatalf("second Launch: got %v, want ErrAlreadyExecuting", err)
	}

	sp.proc(0).exit(0)
	rec.waitFinished(t)
	sup.Wait()

	if _, err := sup.Launch(ctx, LaunchRequest{Key: k, Notify: rec.notify}); err != nil {
		t.Fatalf("Launch after exit: %v", err)
	}
	sp.proc(1).exit(0)
	rec.waitFinished(t)
}

func TestLaunchRejectsInvalidKey(t *testing.T) {
	sup := newTestSupervisor(t, &fakeSpawner{})
	_, err := sup.Launch(context.Background(), LaunchRequest{Key: model.ExecutionKey{ProcessID: "*", ProcessInstanceID: "i", ScriptID: "s"}})
	if err == nil {
		t.Fatal("expected error for wildcard key")
	}
}

func TestLaunchPassesRunnerSpec(t *testing.T) {
	sp := &fakeSpawner{}
	sup := newTestSupervisor(t, sp)
	rec := newRecorder()

	k := testKey("i1", "s1")
	if _, err := sup.Launch(context.Background(), LaunchRequest{Key: k, Script: "return 1", Notify: rec.notify}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	spec := sp.proc(0).spec
	if spec.Script != "return 1" {
		t.Errorf("script = %q", spec.Script)
	}
	if len(spec.Token) != 64 {
		t.Errorf("token length = %d, want 64", len(spec.Token))
	}
	if spec.CallbackURL != "http://127.0.0.1:1/"+k.Slot() {
		t.Errorf("callback = %q", spec.CallbackURL)
	}

	callees := sup.Callees(model.ExecutionKey{ProcessID: "p1", ProcessInstanceID: "i1"})
	if len(callees) != 1 || callees[0].Token != spec.Token {
		t.Fatalf("callees = %+v, want one with the runner token", callees)
	}

	sp.proc(0).exit(0)
	rec.waitFinished(t)
}

func TestLifecycleDeliversResultOnExit(t *testing.T) {
	sp := &fakeSpawner{}
	sup := newTestSupervisor(t, sp)
	rec := newRecorder()

	k := testKey("i1", "s1")
	if _, err := sup.Launch(context.Background(), LaunchRequest{Key: k, Notify: rec.notify}); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	p := sp.proc(0)
	p.spec.Stdout.Write([]byte("hello\nwor"))
	p.spec.Stdout.Write([]byte("ld\n"))

	callees := sup.Callees(k)
	callees[0].Deliver(model.ResultPayload{Result: json.RawMessage("42")})
	p.exit(0)

	ev := rec.waitFinished(t)
	sup.Wait()

	if ev.ExitCode() != 0 {
		t.Errorf("code = %d, want 0", ev.ExitCode())
	}
	if string(ev.Result) != "42" {
		t.Errorf("result = %s, want 42", ev.Result)
	}
	if ev.Failure != nil {
		t.Errorf("unexpected failure: %+v", ev.Failure)
	}
	if ev.Stdout != "hello\nworld\n" {
		t.Errorf("stdout = %q", ev.Stdout)
	}
	if n := rec.count(model.EventLog); n != 2 {
		t.Errorf("log events = %d, want 2", n)
	}
	if n := rec.count(model.EventProcessFinished); n != 1 {
		t.Errorf("process-finished events = %d, want 1", n)
	}
	if procs := sup.GetAllProcesses(); len(procs) != 0 {
		t.Errorf("processes after exit = %v", procs)
	}
}

func TestLifecycleReportsDomainFailure(t *testing.T) {
	sp := &fakeSpawner{}
	sup := newTestSupervisor(t, sp)
	rec := newRecorder()

	k := testKey("i1", "s1")
	if _, err := sup.Launch(context.Background(), LaunchRequest{Key: k, Notify: rec.notify}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	sup.Callees(k)[0].Deliver(model.ResultPayload{Error: &model.ScriptFailure{
		Kind: model.KindBpmnError,
		Args: []json.RawMessage{json.RawMessage(`"E1"`)},
	}})
	sp.proc(0).exit(1)

	ev := rec.waitFinished(t)
	if ev.ExitCode() != 1 {
		t.Errorf("code = %d, want 1", ev.ExitCode())
	}
	if !ev.Failure.IsDomainSignal() || ev.Failure.Kind != model.KindBpmnError {
		t.Errorf("failure = %+v, want BpmnError", ev.Failure)
	}
}

func TestSpawnFailureSynthesizesFinished(t *testing.T) {
	sp := &fakeSpawner{err: errors.New("no such binary")}
	sup := newTestSupervisor(t, sp)
	rec := newRecorder()

	if _, err := sup.Launch(context.Background(), LaunchRequest{Key: testKey("i1", "s1"), Notify: rec.notify}); err != nil {
		t.Fatalf("Launch should absorb spawn errors, got %v", err)
	}

	ev := rec.waitFinished(t)
	if ev.ExitCode() != 1 {
		t.Errorf("code = %d, want 1", ev.ExitCode())
	}
	if ev.Failure == nil || !strings.Contains(ev.Failure.Message, "no such binary") {
		t.Errorf("failure = %+v", ev.Failure)
	}
	if n := rec.count(model.EventProcessFinished); n != 1 {
		t.Errorf("process-finished events = %d, want 1", n)
	}
	if procs := sup.GetAllProcesses(); len(procs) != 0 {
		t.Errorf("processes = %v, want none", procs)
	}
}

func TestPauseResumeState(t *testing.T) {
	sp := &fakeSpawner{}
	sup := newTestSupervisor(t, sp)
	rec := newRecorder()

	k := testKey("i1", "s1")
	if _, err := sup.Launch(context.Background(), LaunchRequest{Key: k, Notify: rec.notify}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	p := sp.proc(0)

	if n := sup.Pause(model.ExecutionKey{ProcessInstanceID: "i1"}); n != 1 {
		t.Fatalf("Pause signalled %d, want 1", n)
	}
	if msg := <-p.sent; msg.Type != ipc.MsgPause {
		t.Errorf("sent %q, want %q", msg.Type, ipc.MsgPause)
	}
	if st := sup.GetAllProcesses()[0].State; st != model.StatePaused {
		t.Errorf("state = %q, want paused", st)
	}

	// Already paused.
	if n := sup.Pause(k); n != 0 {
		t.Errorf("second Pause signalled %d, want 0", n)
	}
	// No match.
	if n := sup.Resume(testKey("i9", "s1")); n != 0 {
		t.Errorf("Resume of unknown signalled %d, want 0", n)
	}

	if n := sup.Resume(k); n != 1 {
		t.Fatalf("Resume signalled %d, want 1", n)
	}
	if msg := <-p.sent; msg.Type != ipc.MsgResume {
		t.Errorf("sent %q, want %q", msg.Type, ipc.MsgResume)
	}
	if st := sup.GetAllProcesses()[0].State; st != model.StateRunning {
		t.Errorf("state = %q, want running", st)
	}

	p.exit(0)
	rec.waitFinished(t)
}

func TestWildcardStopRemovesEverything(t *testing.T) {
	sp := &fakeSpawner{}
	sup := newTestSupervisor(t, sp)
	rec := newRecorder()

	for _, k := range []model.ExecutionKey{testKey("i1", "s1"), testKey("i1", "s2"), testKey("i2", "s1")} {
		if _, err := sup.Launch(context.Background(), LaunchRequest{Key: k, Notify: rec.notify}); err != nil {
			t.Fatalf("Launch %s: %v", k, err)
		}
	}

	if err := sup.Stop(model.ExecutionKey{ProcessID: model.Wildcard, ProcessInstanceID: model.Wildcard}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if procs := sup.GetAllProcesses(); len(procs) != 0 {
		t.Errorf("processes after wildcard stop = %v", procs)
	}

	for range 3 {
		rec.waitFinished(t)
	}
	sup.Wait()
	if n := rec.count(model.EventProcessFinished); n != 3 {
		t.Errorf("process-finished events = %d, want 3", n)
	}
}

func TestStopPartialSelector(t *testing.T) {
	sp := &fakeSpawner{}
	sup := newTestSupervisor(t, sp)
	rec := newRecorder()

	for _, k := range []model.ExecutionKey{testKey("i1", "s1"), testKey("i2", "s1")} {
		if _, err := sup.Launch(context.Background(), LaunchRequest{Key: k, Notify: rec.notify}); err != nil {
			t.Fatalf("Launch: %v", err)
		}
	}

	if err := sup.Stop(model.ExecutionKey{ProcessID: "p1", ProcessInstanceID: "i1"}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	procs := sup.GetAllProcesses()
	if len(procs) != 1 || procs[0].Key.ProcessInstanceID != "i2" {
		t.Fatalf("processes = %+v, want only i2", procs)
	}
	rec.waitFinished(t)

	// Stopping nothing is a no-op.
	if err := sup.Stop(testKey("i9", "s9")); err != nil {
		t.Errorf("Stop of unknown: %v", err)
	}

	sp.proc(1).exit(0)
	rec.waitFinished(t)
}

func TestStopKillFailureIsHardError(t *testing.T) {
	sp := &fakeSpawner{killErr: errors.New("operation not permitted")}
	sup := newTestSupervisor(t, sp)
	rec := newRecorder()

	k := testKey("i1", "s1")
	if _, err := sup.Launch(context.Background(), LaunchRequest{Key: k, Notify: rec.notify}); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	err := sup.Stop(k)
	if !errors.Is(err, ErrKillFailed) {
		t.Fatalf("Stop: got %v, want ErrKillFailed", err)
	}
	procs := sup.GetAllProcesses()
	if len(procs) != 1 || procs[0].State != model.StateRunning {
		t.Errorf("processes = %+v, want the runner reinstated", procs)
	}

	sp.proc(0).exit(0)
	rec.waitFinished(t)
}

func TestEntryTransitionFollowsLifecycle(t *testing.T) {
	e := &entry{state: model.StateLaunching}
	steps := []struct {
		to   model.State
		want bool
	}{
		{model.StatePaused, false},
		{model.StateRunning, true},
		{model.StatePaused, true},
		{model.StateRunning, true},
		{model.StateFinished, true},
		{model.StateRunning, false},
		{model.StateKilled, false},
	}
	for _, st := range steps {
		before := e.state
		if got := e.transition(st.to); got != st.want {
			t.Fatalf("transition %s -> %s = %v, want %v", before, st.to, got, st.want)
		}
		if !st.want && e.state != before {
			t.Fatalf("rejected transition changed state to %s", e.state)
		}
	}
	if e.state != model.StateFinished {
		t.Errorf("final state = %s, want finished", e.state)
	}
}

func TestKillFailureLeavesRunnerControllable(t *testing.T) {
	sp := &fakeSpawner{killErr: errors.New("operation not permitted")}
	sup := newTestSupervisor(t, sp)
	rec := newRecorder()
	ok := executionsTotal.WithLabelValues("ok")
	killed := executionsTotal.WithLabelValues("killed")
	okBefore, killedBefore := testutil.ToFloat64(ok), testutil.ToFloat64(killed)

	k := testKey("i1", "s1")
	if _, err := sup.Launch(context.Background(), LaunchRequest{Key: k, Notify: rec.notify}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := sup.Stop(k); !errors.Is(err, ErrKillFailed) {
		t.Fatalf("Stop: got %v, want ErrKillFailed", err)
	}

	if n := sup.Pause(k); n != 1 {
		t.Fatalf("Pause signalled %d runners, want 1", n)
	}
	procs := sup.GetAllProcesses()
	if len(procs) != 1 || procs[0].State != model.StatePaused {
		t.Fatalf("processes = %+v, want one paused runner", procs)
	}

	sp.proc(0).exit(0)
	rec.waitFinished(t)
	sup.Wait()

	if got := testutil.ToFloat64(ok) - okBefore; got != 1 {
		t.Errorf("ok outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(killed) - killedBefore; got != 0 {
		t.Errorf("killed outcomes = %v, want 0", got)
	}
}

func TestStoppedRunnerFinishesAsKilled(t *testing.T) {
	sp := &fakeSpawner{}
	sup := newTestSupervisor(t, sp)
	rec := newRecorder()

	k := testKey("i1", "s1")
	if _, err := sup.Launch(context.Background(), LaunchRequest{Key: k, Notify: rec.notify}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := sup.Stop(k); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	ev := rec.waitFinished(t)
	if ev.ExitCode() != 137 {
		t.Errorf("code = %d, want 137", ev.ExitCode())
	}
}

func TestOutputBufferKeepsTail(t *testing.T) {
	var lines []string
	o := newOutputBuffer(8, func(l string) { lines = append(lines, l) })
	o.Write([]byte("abc\ndefghij\r\nxy"))
	o.Flush()

	if got := o.String(); got != "ghij\r\nxy" {
		t.Errorf("kept = %q", got)
	}
	want := []string{"abc", "defghij", "xy"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %q, want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}
