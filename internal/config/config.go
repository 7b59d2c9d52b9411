// Package config handles reddit-agent configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvFileName is the optional dotenv file read from the config file's
// directory. Its values fill ${VAR} references that the process
// environment does not define.
const EnvFileName = ".env"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/reddit-agent/config.yaml,
// /etc/reddit-agent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "reddit-agent", "config.yaml"))
	}

	paths = append(paths, "/etc/reddit-agent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all reddit-agent configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Health    HealthConfig    `yaml:"health"`
	CallLog   CallLogConfig   `yaml:"call_log"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // "text" (default) or "json"
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ExecutorConfig describes the tool executor subprocess. The executor
// speaks newline-delimited JSON-RPC on stdin/stdout and owns all
// Reddit credentials; they reach it through Env, typically as
// ${VAR} references expanded from the environment at load time.
type ExecutorConfig struct {
	// Command is the executable to run (e.g. "python3").
	Command string `yaml:"command"`

	// Args are command-line arguments (e.g. ["server.py"]).
	Args []string `yaml:"args"`

	// Env are additional environment variables in KEY=VALUE form,
	// appended to the current process environment.
	Env []string `yaml:"env"`

	// Dir is the working directory for the subprocess. Empty means
	// the current directory.
	Dir string `yaml:"dir"`
}

// TimeoutsConfig bounds how long blocking callers wait on the
// executor. Zero values are replaced with defaults by [Config.applyDefaults].
type TimeoutsConfig struct {
	InitializeSec int `yaml:"initialize_sec"` // default 10
	CallSec       int `yaml:"call_sec"`       // default 30
	CloseSec      int `yaml:"close_sec"`      // default 5
}

// Initialize returns the handshake timeout as a duration.
func (t TimeoutsConfig) Initialize() time.Duration {
	return time.Duration(t.InitializeSec) * time.Second
}

// Call returns the per-operation timeout as a duration.
func (t TimeoutsConfig) Call() time.Duration {
	return time.Duration(t.CallSec) * time.Second
}

// Close returns the shutdown timeout as a duration.
func (t TimeoutsConfig) Close() time.Duration {
	return time.Duration(t.CloseSec) * time.Second
}

// HealthConfig controls the background executor health watcher.
type HealthConfig struct {
	PollIntervalSec int `yaml:"poll_interval_sec"` // default 60
	ProbeTimeoutSec int `yaml:"probe_timeout_sec"` // default 10
}

// CallLogConfig controls the optional SQLite audit log of tool calls.
type CallLogConfig struct {
	Enabled bool `yaml:"enabled"`

	// Driver selects the database/sql driver: "sqlite3" (mattn, cgo)
	// or "sqlite" (modernc, pure Go). Default "sqlite3".
	Driver string `yaml:"driver"`

	// Path is the database file. Relative paths are resolved against
	// DataDir. Default "calls.db".
	Path string `yaml:"path"`
}

// MQTTConfig defines the optional MQTT status publisher. Publishing is
// enabled only when Broker and DeviceName are both set.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`     // default "homeassistant"
	PublishIntervalSec int    `yaml:"publish_interval_sec"` // default 60
}

// Configured reports whether the MQTT publisher has enough settings to run.
func (m MQTTConfig) Configured() bool {
	return m.Broker != "" && m.DeviceName != ""
}

// DashboardConfig toggles the server-rendered dashboard under /ui/.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file. ${VAR} references are
// expanded from the environment, falling back to a .env file next to
// the config, before parsing. Defaults are applied and the result is
// validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dotenv, err := readEnvFile(filepath.Join(filepath.Dir(path), EnvFileName))
	if err != nil {
		return nil, err
	}
	expanded := os.Expand(string(data), func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return dotenv[key]
	})

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// readEnvFile parses a dotenv file. A missing file yields no values.
// The process environment is left untouched.
func readEnvFile(path string) (map[string]string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	env, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return env, nil
}

// Default returns a default configuration. The executor command is
// left empty; it must come from the config file.
func Default() *Config {
	cfg := &Config{
		Listen:    ListenConfig{Port: 8000},
		Dashboard: DashboardConfig{Enabled: true},
		DataDir:   "./data",
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8000
	}
	if c.Timeouts.InitializeSec <= 0 {
		c.Timeouts.InitializeSec = 10
	}
	if c.Timeouts.CallSec <= 0 {
		c.Timeouts.CallSec = 30
	}
	if c.Timeouts.CloseSec <= 0 {
		c.Timeouts.CloseSec = 5
	}
	if c.Health.PollIntervalSec <= 0 {
		c.Health.PollIntervalSec = 60
	}
	if c.Health.ProbeTimeoutSec <= 0 {
		c.Health.ProbeTimeoutSec = 10
	}
	if c.CallLog.Driver == "" {
		c.CallLog.Driver = "sqlite3"
	}
	if c.CallLog.Path == "" {
		c.CallLog.Path = "calls.db"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
}

// CallLogPath returns the call log database path, resolved against
// DataDir when relative.
func (c *Config) CallLogPath() string {
	if filepath.IsAbs(c.CallLog.Path) || c.DataDir == "" {
		return c.CallLog.Path
	}
	return filepath.Join(c.DataDir, c.CallLog.Path)
}

// Validate checks the configuration for errors that would only surface
// later at runtime. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Executor.Command) == "" {
		errs = append(errs, errors.New("executor.command is required"))
	}
	for _, kv := range c.Executor.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("executor.env entry %q is not KEY=VALUE", kv))
		}
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}
	switch c.CallLog.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown call_log.driver %q (valid: sqlite3, sqlite)", c.CallLog.Driver))
	}
	if c.MQTT.Broker != "" && c.MQTT.DeviceName == "" {
		errs = append(errs, errors.New("mqtt.device_name is required when mqtt.broker is set"))
	}

	return errors.Join(errs...)
}
