package ipc

// File descriptors of the channel inside a runner process. The host passes
// them as the first two extra files of the child.
const (
	HostToRunnerFD = 3
	RunnerToHostFD = 4
)

// Environment variables a runner reads at startup.
const (
	EnvToken             = "PROCEED_RUNNER_TOKEN"
	EnvCallbackURL       = "PROCEED_RUNNER_CALLBACK_URL"
	EnvProcessID         = "PROCEED_RUNNER_PROCESS_ID"
	EnvProcessInstanceID = "PROCEED_RUNNER_PROCESS_INSTANCE_ID"
	EnvScriptID          = "PROCEED_RUNNER_SCRIPT_ID"
	EnvTokenID           = "PROCEED_RUNNER_TOKEN_ID"
	EnvMemoryLimitMB     = "PROCEED_RUNNER_MEMORY_MB"

	// EnvLogLevel is passed through from the host when set.
	EnvLogLevel = "PROCEED_RUNNER_LOG_LEVEL"
)
