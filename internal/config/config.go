package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr       = ":8080"
	defaultCallbackAddr     = "127.0.0.1:0"
	defaultCallbackBackend  = "direct"
	defaultDBPath           = "proceed-native.db"
	defaultForwardTimeout   = 30 * time.Second
	defaultRunnerMemoryMB   = 128
	defaultKafkaTopic       = "proceed-engine"
	defaultDiscoveryService = "_proceed._tcp"

	envConfigFile       = "PROCEED_CONFIG_FILE"
	envListenAddr       = "PROCEED_LISTEN_ADDR"
	envCallbackAddr     = "PROCEED_CALLBACK_ADDR"
	envCallbackBackend  = "PROCEED_CALLBACK_BACKEND"
	envDBPath           = "PROCEED_DB_PATH"
	envLogLevel         = "PROCEED_LOG_LEVEL"
	envForwardTimeout   = "PROCEED_FORWARD_TIMEOUT"
	envRunnerMemoryMB   = "PROCEED_RUNNER_MEMORY_MB"
	envEngineCmd        = "PROCEED_ENGINE_CMD"
	envKafkaBrokers     = "PROCEED_KAFKA_BROKERS"
	envKafkaTopic       = "PROCEED_KAFKA_TOPIC"
	envDiscoveryService = "PROCEED_DISCOVERY_SERVICE"
)

// Config holds application configuration. Values come from defaults, then
// the optional YAML file named by PROCEED_CONFIG_FILE, then the environment.
type Config struct {
	ListenAddr       string
	CallbackAddr     string
	CallbackBackend  string
	DBPath           string
	LogLevel         slog.Level
	ForwardTimeout   time.Duration
	RunnerMemoryMB   int
	EngineCmd        string
	KafkaBrokers     []string
	KafkaTopic       string
	DiscoveryService string
}

// fileConfig is the YAML layout of the config file.
type fileConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`
	EngineCmd  string `yaml:"engine_cmd"`
	Callback   struct {
		Addr    string `yaml:"addr"`
		Backend string `yaml:"backend"`
	} `yaml:"callback"`
	Runner struct {
		ForwardTimeout string `yaml:"forward_timeout"`
		MemoryMB       int    `yaml:"memory_mb"`
	} `yaml:"runner"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	Discovery struct {
		Service string `yaml:"service"`
	} `yaml:"discovery"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddr:       defaultListenAddr,
		CallbackAddr:     defaultCallbackAddr,
		CallbackBackend:  defaultCallbackBackend,
		DBPath:           defaultDBPath,
		LogLevel:         slog.LevelInfo,
		ForwardTimeout:   defaultForwardTimeout,
		RunnerMemoryMB:   defaultRunnerMemoryMB,
		KafkaTopic:       defaultKafkaTopic,
		DiscoveryService: defaultDiscoveryService,
	}
}

// Load reads the config file named by PROCEED_CONFIG_FILE, if any, and the
// environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv(envConfigFile))
}

// LoadFrom is Load with an explicit config file path. An empty path skips
// the file.
func LoadFrom(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("unmarshal config file: %w", err)
	}

	setString(&c.ListenAddr, f.ListenAddr)
	setString(&c.DBPath, f.DBPath)
	setString(&c.EngineCmd, f.EngineCmd)
	setString(&c.CallbackAddr, f.Callback.Addr)
	setString(&c.CallbackBackend, f.Callback.Backend)
	setString(&c.KafkaTopic, f.Kafka.Topic)
	setString(&c.DiscoveryService, f.Discovery.Service)
	if f.LogLevel != "" {
		c.LogLevel = parseLogLevel(f.LogLevel)
	}
	if f.Runner.ForwardTimeout != "" {
		d, err := time.ParseDuration(f.Runner.ForwardTimeout)
		if err != nil {
			return fmt.Errorf("config file runner.forward_timeout: %w", err)
		}
		c.ForwardTimeout = d
	}
	if f.Runner.MemoryMB > 0 {
		c.RunnerMemoryMB = f.Runner.MemoryMB
	}
	if len(f.Kafka.Brokers) > 0 {
		c.KafkaBrokers = f.Kafka.Brokers
	}
	return nil
}

func (c *Config) loadEnv() error {
	setString(&c.ListenAddr, os.Getenv(envListenAddr))
	setString(&c.CallbackAddr, os.Getenv(envCallbackAddr))
	setString(&c.CallbackBackend, os.Getenv(envCallbackBackend))
	setString(&c.DBPath, os.Getenv(envDBPath))
	setString(&c.EngineCmd, os.Getenv(envEngineCmd))
	setString(&c.KafkaTopic, os.Getenv(envKafkaTopic))
	setString(&c.DiscoveryService, os.Getenv(envDiscoveryService))

	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envForwardTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envForwardTimeout, err)
		}
		c.ForwardTimeout = d
	}
	if v := os.Getenv(envRunnerMemoryMB); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%s: invalid value %q", envRunnerMemoryMB, v)
		}
		c.RunnerMemoryMB = n
	}
	if v := os.Getenv(envKafkaBrokers); v != "" {
		c.KafkaBrokers = splitList(v)
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	return parseLogLevel(s)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
