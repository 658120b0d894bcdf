package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/PROCEED-Labs/proceed-native/internal/ipc"
	"github.com/PROCEED-Labs/proceed-native/internal/model"
)

const (
	defaultMemoryLimitMB = 128
	resultPostTimeout    = 10 * time.Second
)

// Config is everything a runner learns from its parent.
type Config struct {
	Key           model.ExecutionKey
	Token         string
	CallbackURL   string
	MemoryLimitMB int
}

// ConfigFromEnv reads the runner configuration set by the supervisor.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Key: model.ExecutionKey{
			ProcessID:         os.Getenv(ipc.EnvProcessID),
			ProcessInstanceID: os.Getenv(ipc.EnvProcessInstanceID),
			ScriptID:          os.Getenv(ipc.EnvScriptID),
			TokenID:           os.Getenv(ipc.EnvTokenID),
		},
		Token:         os.Getenv(ipc.EnvToken),
		CallbackURL:   os.Getenv(ipc.EnvCallbackURL),
		MemoryLimitMB: defaultMemoryLimitMB,
	}
	if v := os.Getenv(ipc.EnvMemoryLimitMB); v != "" {
		mb, err := strconv.Atoi(v)
		if err != nil || mb <= 0 {
			return Config{}, fmt.Errorf("invalid %s: %q", ipc.EnvMemoryLimitMB, v)
		}
		cfg.MemoryLimitMB = mb
	}
	if cfg.Token == "" || cfg.CallbackURL == "" {
		return Config{}, errors.New("runner started without token or callback address")
	}
	if err := cfg.Key.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes script, posts its result to the host and returns the runner's
// exit code: 0 on success, 1 when the script failed or the result could not
// be delivered.
func Run(ctx context.Context, cfg Config, script string, ch Channel, logger *slog.Logger) int {
	// The soft limit makes the collector keep the live heap figure current
	// as the script approaches the hard ceiling enforced by the runtime.
	if cfg.MemoryLimitMB > 0 {
		debug.SetMemoryLimit(int64(cfg.MemoryLimitMB) << 20)
	}

	caller := &Caller{
		BaseURL: cfg.CallbackURL,
		Token:   cfg.Token,
		Client:  &http.Client{},
	}

	rt, err := NewRuntime(cfg.Key, caller, ch, logger)
	if err != nil {
		logger.Error("build runtime", "error", err)
		return 1
	}

	if cfg.MemoryLimitMB > 0 {
		rt.memoryLimit = uint64(cfg.MemoryLimitMB) << 20
	}

	payload := rt.Execute(ctx, script)
	code := 0
	if payload.Error != nil {
		logger.Info("script failed", "kind", payload.Error.Kind, "error", payload.Error.Error())
		code = 1
	}

	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultPostTimeout)
	defer cancel()
	if err := caller.PostResult(postCtx, payload); err != nil {
		logger.Error("deliver result", "error", err)
		return 1
	}
	return code
}

// OpenChannel wraps the inherited IPC file descriptors.
func OpenChannel() *ipc.Conn {
	in := os.NewFile(ipc.HostToRunnerFD, "host-to-runner")
	out := os.NewFile(ipc.RunnerToHostFD, "runner-to-host")
	return ipc.NewConn(in, out)
}
