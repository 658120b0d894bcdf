package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/PROCEED-Labs/proceed-native/internal/ipc"
	"github.com/PROCEED-Labs/proceed-native/internal/model"
)

// RunnerSpec describes one runner to start.
type RunnerSpec struct {
	Key         model.ExecutionKey
	Script      string
	Token       string
	CallbackURL string

	// Stdout and Stderr receive the runner's diagnostic output.
	Stdout io.Writer
	Stderr io.Writer
}

// Process is the supervisor's exclusive handle on a started runner.
type Process interface {
	// Send delivers a message to the runner.
	Send(msg ipc.Message) error

	// Receive blocks for the next message from the runner. It returns an
	// error once the runner's side of the channel is gone.
	Receive() (ipc.Message, error)

	// Wait blocks until the runner exits and returns its exit code.
	Wait() int

	// Kill terminates the runner. Killing an exited runner is not an error.
	Kill() error
}

// Spawner starts isolated runners.
type Spawner interface {
	Spawn(spec RunnerSpec) (Process, error)
}

// ExecSpawner starts every runner as a child process executing Path with
// Args. The script body is written to the child's stdin and the IPC channel
// is passed as file descriptors 3 (host to runner) and 4 (runner to host).
type ExecSpawner struct {
	Path string
	Args []string

	// MemoryLimitMB is the soft memory ceiling of each runner. Zero means
	// the runner default.
	MemoryLimitMB int
}

// NewSelfSpawner returns a spawner that re-executes the current binary with
// the "runner" subcommand.
func NewSelfSpawner(memoryLimitMB int) (*ExecSpawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ExecSpawner{Path: exe, Args: []string{"runner"}, MemoryLimitMB: memoryLimitMB}, nil
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(spec RunnerSpec) (Process, error) {
	toRunnerR, toRunnerW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create host pipe: %w", err)
	}
	fromRunnerR, fromRunnerW, err := os.Pipe()
	if err != nil {
		toRunnerR.Close()
		toRunnerW.Close()
		return nil, fmt.Errorf("create runner pipe: %w", err)
	}

	cmd := exec.Command(s.Path, s.Args...)
	cmd.Stdin = strings.NewReader(spec.Script)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.ExtraFiles = []*os.File{toRunnerR, fromRunnerW}
	cmd.Env = s.env(spec)

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{toRunnerR, toRunnerW, fromRunnerR, fromRunnerW} {
			f.Close()
		}
		return nil, fmt.Errorf("start runner: %w", err)
	}

	// The child holds its own copies of these ends.
	toRunnerR.Close()
	fromRunnerW.Close()

	return &execProcess{cmd: cmd, conn: ipc.NewConn(fromRunnerR, toRunnerW)}, nil
}

// env builds a minimal environment: the runner sees its own identity and
// nothing else of the host's environment besides PATH.
func (s *ExecSpawner) env(spec RunnerSpec) []string {
	env := []string{
		ipc.EnvToken + "=" + spec.Token,
		ipc.EnvCallbackURL + "=" + spec.CallbackURL,
		ipc.EnvProcessID + "=" + spec.Key.ProcessID,
		ipc.EnvProcessInstanceID + "=" + spec.Key.ProcessInstanceID,
		ipc.EnvScriptID + "=" + spec.Key.ScriptID,
		ipc.EnvTokenID + "=" + spec.Key.TokenID,
	}
	if path, ok := os.LookupEnv("PATH"); ok {
		env = append(env, "PATH="+path)
	}
	if s.MemoryLimitMB > 0 {
		env = append(env, ipc.EnvMemoryLimitMB+"="+strconv.Itoa(s.MemoryLimitMB))
	}
	if level, ok := os.LookupEnv(ipc.EnvLogLevel); ok {
		env = append(env, ipc.EnvLogLevel+"="+level)
	}
	return env
}

type execProcess struct {
	cmd  *exec.Cmd
	conn *ipc.Conn
}

func (p *execProcess) Send(msg ipc.Message) error {
	return p.conn.Send(msg)
}

func (p *execProcess) Receive() (ipc.Message, error) {
	return p.conn.Receive()
}

func (p *execProcess) Wait() int {
	err := p.cmd.Wait()
	p.conn.Close()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
