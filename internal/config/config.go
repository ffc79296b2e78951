// Package config handles loading and validating Fundi configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Fundi.
type Config struct {
	DataDir       string                `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.fundi/data. Override: FUNDI_DATA_DIR.
	Workspace     WorkspaceConfig       `json:"workspace" yaml:"workspace"`
	Sandbox       SandboxConfig         `json:"sandbox" yaml:"sandbox"`
	Security      SecurityConfig        `json:"security" yaml:"security"`
	Model         ModelConfig           `json:"model" yaml:"model"`
	FileServer    *FileServerConfig     `json:"file_server,omitempty" yaml:"file_server,omitempty"` // nil = reference filesystem server via npx
	Limits        LimitsConfig          `json:"limits" yaml:"limits"`
	Observability *ObservabilityConfig  `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Storage       *StorageConfig        `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under the data dir
	Server        *ServerConfig         `json:"server,omitempty" yaml:"server,omitempty"`               // nil = status server disabled
}

// WorkspaceConfig configures per-run workspace directories.
type WorkspaceConfig struct {
	BaseDir         string `json:"base_dir" yaml:"base_dir"`                 // Default: ./workspaces
	SnapshotSource  string `json:"snapshot_source" yaml:"snapshot_source"`   // In-image dir copied out. Default: /testbed
	JanitorSchedule string `json:"janitor_schedule" yaml:"janitor_schedule"` // Cron expression. Default: "0 * * * *"
	MaxAgeHours     int    `json:"max_age_hours" yaml:"max_age_hours"`       // Workspaces older than this are swept. Default: 72
	AutoCleanup     bool   `json:"auto_cleanup" yaml:"auto_cleanup"`         // Remove the workspace when a run ends, even on cancellation.
}

// ResolvedBaseDir returns the workspace base directory with a default applied.
func (w *WorkspaceConfig) ResolvedBaseDir() string {
	if w.BaseDir != "" {
		return w.BaseDir
	}
	return "workspaces"
}

// ResolvedSnapshotSource returns the in-image snapshot directory.
func (w *WorkspaceConfig) ResolvedSnapshotSource() string {
	if w.SnapshotSource != "" {
		return w.SnapshotSource
	}
	return "/testbed"
}

// Schedule returns the janitor cron expression.
func (w *WorkspaceConfig) Schedule() string {
	if w.JanitorSchedule != "" {
		return w.JanitorSchedule
	}
	return "0 * * * *"
}

// MaxAge returns the workspace retention window.
func (w *WorkspaceConfig) MaxAge() time.Duration {
	if w.MaxAgeHours > 0 {
		return time.Duration(w.MaxAgeHours) * time.Hour
	}
	return 72 * time.Hour
}

// SandboxConfig configures the container runtime.
type SandboxConfig struct {
	Binary             string        `json:"binary" yaml:"binary"`                             // Default: apptainer
	ImagePath          string        `json:"image_path" yaml:"image_path"`                     // Container image (.sif). Override: FUNDI_IMAGE.
	TimeoutSeconds     int           `json:"timeout_seconds" yaml:"timeout_seconds"`           // Per-command. Default: 30
	MaxOutputBytes     int           `json:"max_output_bytes" yaml:"max_output_bytes"`         // Per stream. Default: 1 MiB
	CopyTimeoutSeconds int           `json:"copy_timeout_seconds" yaml:"copy_timeout_seconds"` // Snapshot copy. Default: 300
	WorkingDir         string        `json:"working_dir" yaml:"working_dir"`                   // In-container cwd. Default: /testbed
	ExtraMounts        []MountConfig `json:"extra_mounts,omitempty" yaml:"extra_mounts,omitempty"`
}

// MountConfig is one additional bind mount.
type MountConfig struct {
	Host      string `json:"host" yaml:"host"`
	Container string `json:"container" yaml:"container"`
	ReadOnly  bool   `json:"read_only" yaml:"read_only"`
}

// ResolvedBinary returns the container binary name.
func (s *SandboxConfig) ResolvedBinary() string {
	if s.Binary != "" {
		return s.Binary
	}
	return "apptainer"
}

// Timeout returns the per-command time budget.
func (s *SandboxConfig) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// OutputCap returns the per-stream output limit.
func (s *SandboxConfig) OutputCap() int {
	if s.MaxOutputBytes > 0 {
		return s.MaxOutputBytes
	}
	return 1 << 20
}

// CopyTimeout returns the snapshot copy time budget.
func (s *SandboxConfig) CopyTimeout() time.Duration {
	if s.CopyTimeoutSeconds > 0 {
		return time.Duration(s.CopyTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// ResolvedWorkingDir returns the in-container working directory.
func (s *SandboxConfig) ResolvedWorkingDir() string {
	if s.WorkingDir != "" {
		return s.WorkingDir
	}
	return "/testbed"
}

// SecurityConfig restricts what the agent may execute.
type SecurityConfig struct {
	// BlockedCommands are substring patterns. Any command containing one is
	// rejected before a process is spawned.
	BlockedCommands []string `json:"blocked_commands,omitempty" yaml:"blocked_commands,omitempty"`

	// Env is passed into the sandbox for every command. Values support
	// $VAR expansion from the host environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Blocklist returns the blocked patterns, defaulting to commands that would
// escape or damage the run.
func (s *SecurityConfig) Blocklist() []string {
	if len(s.BlockedCommands) > 0 {
		return s.BlockedCommands
	}
	return []string{
		"rm -rf /",
		"sudo ",
		"shutdown",
		"reboot",
		"git push",
		"mkfs",
	}
}

// ExpandedEnv returns Env with $VAR values expanded from the host.
func (s *SecurityConfig) ExpandedEnv() map[string]string {
	if len(s.Env) == 0 {
		return nil
	}
	out := make(map[string]string, len(s.Env))
	for k, v := range s.Env {
		out[k] = os.ExpandEnv(v)
	}
	return out
}

// ModelConfig selects and parameterizes the model provider.
type ModelConfig struct {
	Provider    string   `json:"provider" yaml:"provider"` // "openai" (default, covers compatible backends) or "anthropic"
	Name        string   `json:"name" yaml:"name"`         // e.g. "gpt-4o", "openai/gpt-oss-20b"
	APIKey      string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL     string   `json:"base_url,omitempty" yaml:"base_url,omitempty"` // For local inference servers.
	MaxTokens   int      `json:"max_tokens" yaml:"max_tokens"`                 // Default: 4096
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`

	// SystemPrompt overrides the built-in agent instructions.
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`

	// Fallbacks are tried in order when the primary provider fails.
	Fallbacks []ModelConfig `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
}

// ResolvedProvider returns the provider name, defaulting to "openai".
func (m *ModelConfig) ResolvedProvider() string {
	if m.Provider != "" {
		return m.Provider
	}
	return "openai"
}

// ResolvedMaxTokens returns the per-response token cap.
func (m *ModelConfig) ResolvedMaxTokens() int {
	if m.MaxTokens > 0 {
		return m.MaxTokens
	}
	return 4096
}

// FileServerConfig describes the filesystem MCP server process.
type FileServerConfig struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// LimitsConfig bounds one agent run.
type LimitsConfig struct {
	MaxSteps             int `json:"max_steps" yaml:"max_steps"`                         // Default: 50
	MaxRetries           int `json:"max_retries" yaml:"max_retries"`                     // Consecutive empty model turns. Default: 3
	Concurrency          int `json:"concurrency" yaml:"concurrency"`                     // Parallel tool calls per step. Default: 4
	RunBudgetMinutes     int `json:"run_budget_minutes" yaml:"run_budget_minutes"`       // 0 = unbounded
	UnavailableThreshold int `json:"unavailable_threshold" yaml:"unavailable_threshold"` // Consecutive sandbox failures before abort. Default: 3
}

// Steps returns the step limit.
func (l *LimitsConfig) Steps() int {
	if l.MaxSteps > 0 {
		return l.MaxSteps
	}
	return 50
}

// Retries returns the empty-turn retry limit.
func (l *LimitsConfig) Retries() int {
	if l.MaxRetries > 0 {
		return l.MaxRetries
	}
	return 3
}

// Parallelism returns the per-step tool concurrency.
func (l *LimitsConfig) Parallelism() int {
	if l.Concurrency > 0 {
		return l.Concurrency
	}
	return 4
}

// RunBudget returns the wall-clock budget for one run. Zero = unbounded.
func (l *LimitsConfig) RunBudget() time.Duration {
	if l.RunBudgetMinutes > 0 {
		return time.Duration(l.RunBudgetMinutes) * time.Minute
	}
	return 0
}

// SandboxFailureLimit returns the consecutive-unavailable threshold.
func (l *LimitsConfig) SandboxFailureLimit() int {
	if l.UnavailableThreshold > 0 {
		return l.UnavailableThreshold
	}
	return 3
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "fundi"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// StorageConfig configures run-history persistence.
type StorageConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // SQLite file. Default: <data_dir>/fundi.db
}

// ServerConfig configures the status HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // Default: ":8080"
}

// ListenAddr returns the server bind address.
func (s *ServerConfig) ListenAddr() string {
	if s != nil && s.Addr != "" {
		return s.Addr
	}
	return ":8080"
}

// DefaultConfigPath returns the default config file path (~/.fundi/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/fundi.yaml"
	}
	return filepath.Join(home, ".fundi", "config.yaml")
}

// Load reads a YAML or JSON config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. API keys and a few paths can be overridden by environment
// variables, which take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets environment variables take precedence over file values.
func (c *Config) applyEnvOverrides() {
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" && c.Model.ResolvedProvider() == "openai" {
		c.Model.APIKey = envKey
	}
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" && c.Model.ResolvedProvider() == "anthropic" {
		c.Model.APIKey = envKey
	}
	for i := range c.Model.Fallbacks {
		fb := &c.Model.Fallbacks[i]
		if fb.APIKey != "" {
			continue
		}
		if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" && fb.ResolvedProvider() == "openai" {
			fb.APIKey = envKey
		}
		if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" && fb.ResolvedProvider() == "anthropic" {
			fb.APIKey = envKey
		}
	}
	if envWS := os.Getenv("FUNDI_WORKSPACE"); envWS != "" {
		c.Workspace.BaseDir = envWS
	}
	if envDD := os.Getenv("FUNDI_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if envImg := os.Getenv("FUNDI_IMAGE"); envImg != "" {
		c.Sandbox.ImagePath = envImg
	}
}

func (c *Config) validate() error {
	switch c.Model.ResolvedProvider() {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unknown model provider: %s", c.Model.Provider)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	if t := c.Model.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("model.temperature must be in [0, 2], got %v", *t)
	}
	for i, fb := range c.Model.Fallbacks {
		switch fb.ResolvedProvider() {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("fallback %d: unknown model provider: %s", i, fb.Provider)
		}
		if fb.Name == "" {
			return fmt.Errorf("fallback %d: model name is required", i)
		}
	}
	for _, m := range c.Sandbox.ExtraMounts {
		if m.Host == "" || m.Container == "" {
			return fmt.Errorf("extra mount needs both host and container paths")
		}
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".fundi", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "fundi.db")
}
