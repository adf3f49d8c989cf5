package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete conduit configuration.
type Config struct {
	Include       []string            `yaml:"include,omitempty"`
	Service       ServiceConfig       `yaml:"service"`
	State         StateConfig         `yaml:"state"`
	API           APIConfig           `yaml:"api,omitempty"`
	Worker        WorkerConfig        `yaml:"worker"`
	Runner        RunnerConfig        `yaml:"runner"`
	// Interpreters maps a script file extension to interpreter names tried
	// in order. Nil uses the built-in table.
	Interpreters  map[string][]string `yaml:"interpreters,omitempty"`
	ExtensionsDir []string            `yaml:"extensions_dir"`
	EnvAllowlist  []string            `yaml:"env_allowlist,omitempty"`
	HostAPI       HostAPIConfig       `yaml:"host_api"`
	Webhooks      *WebhooksConfig     `yaml:"webhooks,omitempty"`
	Schedules     []ScheduleConfig    `yaml:"schedules,omitempty"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`

	// SourceFiles holds the parsed YAML of every loaded file, keyed by path.
	SourceFiles map[string]*yaml.Node `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single admin bearer token (full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WorkerConfig defines the long-lived workflow worker process.
type WorkerConfig struct {
	// Command is the worker binary. Empty runs the worker in-process.
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args,omitempty"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	RPCTimeout  time.Duration `yaml:"rpc_timeout"`
	KillGrace   time.Duration `yaml:"kill_grace"`
	// Permissions are the capabilities granted to workflow host calls.
	Permissions []string `yaml:"permissions,omitempty"`
}

// RunnerConfig defines limits for extension command runners.
type RunnerConfig struct {
	ScriptTimeout time.Duration `yaml:"script_timeout"`
	KillGrace     time.Duration `yaml:"kill_grace"`
	RPCTimeout    time.Duration `yaml:"rpc_timeout"`
}

// HostAPIConfig restricts privileged host operations.
type HostAPIConfig struct {
	// FSRoots limits fs.* calls to these directories. Empty allows any path.
	FSRoots []string `yaml:"fs_roots,omitempty"`
}

// WebhooksConfig defines the inbound webhook listener.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint maps a signed POST path to the workflow it starts.
type WebhookEndpoint struct {
	Path     string `yaml:"path"`
	Workflow string `yaml:"workflow"`
	Secret   string `yaml:"secret"`
	// SignatureHeader carries the HMAC-SHA256 of the body, e.g.
	// X-Hub-Signature-256.
	SignatureHeader string `yaml:"signature_header"`
	// MaxBodySize accepts plain bytes or a KB/MB/GB suffix. Default 1MB.
	MaxBodySize string `yaml:"max_body_size,omitempty"`
}

// ScheduleConfig runs a workflow on an interval.
type ScheduleConfig struct {
	Workflow string `yaml:"workflow"`
	// Every is a duration ("90s", "5m"), a day or week count ("2d", "1w")
	// or one of hourly, daily, weekly.
	Every  string         `yaml:"every"`
	Jitter time.Duration  `yaml:"jitter,omitempty"`
	Input  map[string]any `yaml:"input,omitempty"`
}

// SchedulerConfig tunes the schedule loop and its failure breaker.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	// BreakerThreshold consecutive failed runs pause a schedule.
	BreakerThreshold int `yaml:"breaker_threshold"`
	// BreakerResetAfter is how long a paused schedule waits before a probe.
	BreakerResetAfter time.Duration `yaml:"breaker_reset_after"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "conduit",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/conduit.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Worker: WorkerConfig{
			IdleTimeout: 5 * time.Minute,
			RPCTimeout:  10 * time.Second,
			KillGrace:   5 * time.Second,
			Permissions: []string{"clipboard", "fs", "storage"},
		},
		Runner: RunnerConfig{
			ScriptTimeout: 60 * time.Second,
			KillGrace:     5 * time.Second,
			RPCTimeout:    10 * time.Second,
		},
		ExtensionsDir: []string{"./extensions"},
		Scheduler: SchedulerConfig{
			TickInterval:      15 * time.Second,
			BreakerThreshold:  3,
			BreakerResetAfter: 30 * time.Minute,
		},
	}
}
