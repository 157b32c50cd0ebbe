// internal/config/config.go
//
// This package handles configuration and the .lattice directory structure.
// Every project that distributes features gets a .lattice/ folder created in
// its root, holding distribute.yaml plus run state.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/lattice-distributor/internal/workflow"
)

const (
	// LatticeDir is the name of the directory we create in each project
	LatticeDir = ".lattice"

	// ConfigFile is the distribution config inside LatticeDir
	ConfigFile = "distribute.yaml"

	// DefaultMaxRetries is the retry budget when distribute.yaml sets none.
	DefaultMaxRetries = 3

	defaultDelay    = "1s"
	defaultMaxDelay = "30s"
	defaultBackoff  = "exponential"
	defaultAutoSave = "5s"
	defaultLogLevel = "info"
)

const defaultConfigYAML = `# lattice feature distribution configuration
version: 1

retry:
  max_retries: 3
  delay: 1s
  max_delay: 30s
  # fixed | linear | exponential
  backoff: exponential

# Keep running the remaining batches when a feature exhausts its retries.
continue_on_error: false
# Run the features of each batch one at a time.
sequential: false

persistence:
  # Defaults to .lattice/workflow/runs/progress.json
  path: ""
  auto_save: 5s

history:
  enabled: true

# Workers available to the local pool. Each worker runs one feature at a time.
# workers:
#   - id: backend-1
#     capabilities: [backend-developer]
#     command: ./scripts/agent.sh
#     timeout: 10m

bridge:
  enabled: false
  host: 127.0.0.1
  port: 8765

log_level: info
`

// RetryConfig controls how failed features are retried.
type RetryConfig struct {
	MaxRetries *int   `yaml:"max_retries,omitempty"`
	Delay      string `yaml:"delay,omitempty"`
	MaxDelay   string `yaml:"max_delay,omitempty"`
	Backoff    string `yaml:"backoff,omitempty"`
}

// PersistenceConfig locates the progress snapshot.
type PersistenceConfig struct {
	Path     string `yaml:"path,omitempty"`
	AutoSave string `yaml:"auto_save,omitempty"`
}

// HistoryConfig toggles the run history archive.
type HistoryConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// WorkerConfig declares one worker slot of the local pool.
type WorkerConfig struct {
	ID           string   `yaml:"id"`
	Capabilities []string `yaml:"capabilities"`
	Command      string   `yaml:"command,omitempty"`
	Timeout      string   `yaml:"timeout,omitempty"`
}

// BridgeConfig configures the HTTP event bridge.
type BridgeConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// DistributeConfig models .lattice/distribute.yaml.
type DistributeConfig struct {
	Version         int               `yaml:"version"`
	Retry           RetryConfig       `yaml:"retry"`
	ContinueOnError bool              `yaml:"continue_on_error"`
	Sequential      bool              `yaml:"sequential"`
	Persistence     PersistenceConfig `yaml:"persistence"`
	History         HistoryConfig     `yaml:"history"`
	Workers         []WorkerConfig    `yaml:"workers,omitempty"`
	Bridge          BridgeConfig      `yaml:"bridge"`
	LogLevel        string            `yaml:"log_level"`
}

// Config holds the runtime configuration for a distribution project.
type Config struct {
	// ProjectDir is the directory where the user ran the CLI from
	ProjectDir string

	// LatticeProjectDir is ProjectDir/.lattice
	LatticeProjectDir string

	Distribute DistributeConfig
}

// InitLatticeDir creates the .lattice directory structure in the given project
// directory and writes a default distribute.yaml when none exists.
//
// Structure created:
// .lattice/
// ├── logs/         <- Structured run logs
// ├── state/        <- Scratch state between runs
// └── workflow/
//
//	├── team/     <- workers.json roster
//	└── runs/     <- progress.json and journey.log
func InitLatticeDir(projectDir string) error {
	latticeDir := filepath.Join(projectDir, LatticeDir)
	dirs := []string{
		filepath.Join(latticeDir, "logs"),
		filepath.Join(latticeDir, "state"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if err := workflow.New(latticeDir).Initialize(); err != nil {
		return err
	}
	return ensureConfigFile(filepath.Join(latticeDir, ConfigFile))
}

// NewConfig creates a Config for projectDir, reading distribute.yaml when
// present and applying environment overrides.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:        projectDir,
		LatticeProjectDir: filepath.Join(projectDir, LatticeDir),
		Distribute:        defaultDistributeConfig(),
	}
	if err := cfg.load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigPath returns the on-disk location of distribute.yaml.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.LatticeProjectDir, ConfigFile)
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.LatticeProjectDir, "logs")
}

// StateDir returns the path to the state directory
func (c *Config) StateDir() string {
	return filepath.Join(c.LatticeProjectDir, "state")
}

// Workflow returns the layout manager for run state.
func (c *Config) Workflow() *workflow.Workflow {
	return workflow.New(c.LatticeProjectDir)
}

// ProgressPath returns the configured progress snapshot location.
func (c *Config) ProgressPath() string {
	if c.Distribute.Persistence.Path != "" {
		return c.Distribute.Persistence.Path
	}
	return c.Workflow().ProgressPath()
}

// HistoryPath returns the run history database location.
func (c *Config) HistoryPath() string {
	if c.Distribute.History.Path != "" {
		return c.Distribute.History.Path
	}
	return c.Workflow().HistoryPath()
}

// HistoryEnabled reports whether runs are archived.
func (c *Config) HistoryEnabled() bool {
	return c.Distribute.History.Enabled == nil || *c.Distribute.History.Enabled
}

// BridgeEnabled reports whether the HTTP bridge should start.
func (c *Config) BridgeEnabled() bool {
	return c.Distribute.Bridge.Enabled != nil && *c.Distribute.Bridge.Enabled
}

// MaxRetries returns the retry budget per feature.
func (c *Config) MaxRetries() int {
	if c.Distribute.Retry.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.Distribute.Retry.MaxRetries
}

// RetryDelay returns the base retry delay.
func (c *Config) RetryDelay() time.Duration {
	return mustDuration(c.Distribute.Retry.Delay, defaultDelay)
}

// MaxRetryDelay returns the cap applied to computed retry delays.
func (c *Config) MaxRetryDelay() time.Duration {
	return mustDuration(c.Distribute.Retry.MaxDelay, defaultMaxDelay)
}

// Backoff returns the configured backoff strategy name.
func (c *Config) Backoff() string {
	return c.Distribute.Retry.Backoff
}

// AutoSaveInterval returns the autosave period; zero disables autosave.
func (c *Config) AutoSaveInterval() time.Duration {
	if c.Distribute.Persistence.AutoSave == "0" || c.Distribute.Persistence.AutoSave == "off" {
		return 0
	}
	return mustDuration(c.Distribute.Persistence.AutoSave, defaultAutoSave)
}

// WorkerEntries converts the configured workers into roster entries.
func (c *Config) WorkerEntries() []workflow.WorkerEntry {
	entries := make([]workflow.WorkerEntry, 0, len(c.Distribute.Workers))
	for _, w := range c.Distribute.Workers {
		entries = append(entries, workflow.WorkerEntry{
			Name:         w.ID,
			Capabilities: append([]string(nil), w.Capabilities...),
			Command:      w.Command,
			Timeout:      w.Timeout,
		})
	}
	return entries
}

// LogLevel returns the configured log level.
func (c *Config) LogLevel() string {
	return c.Distribute.LogLevel
}

// Save persists the current configuration back to distribute.yaml.
func (c *Config) Save() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Distribute.applyDefaults()
	c.Distribute.normalize(c.ProjectDir)
	if err := c.Distribute.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.LatticeProjectDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure lattice dir: %w", err)
	}
	data, err := yaml.Marshal(c.Distribute)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ConfigPath(), data, 0644); err != nil {
		return fmt.Errorf("config: write config: %w", err)
	}
	return nil
}

func (c *Config) load() error {
	parsed := defaultDistributeConfig()
	path := c.ConfigPath()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	parsed.applyDefaults()
	if err := parsed.applyEnvOverrides(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	parsed.normalize(c.ProjectDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Distribute = parsed
	return nil
}

func defaultDistributeConfig() DistributeConfig {
	cfg := DistributeConfig{}
	cfg.applyDefaults()
	return cfg
}

func (dc *DistributeConfig) applyDefaults() {
	if dc.Version == 0 {
		dc.Version = 1
	}
	if dc.Retry.MaxRetries == nil {
		retries := DefaultMaxRetries
		dc.Retry.MaxRetries = &retries
	}
	if dc.Retry.Delay == "" {
		dc.Retry.Delay = defaultDelay
	}
	if dc.Retry.MaxDelay == "" {
		dc.Retry.MaxDelay = defaultMaxDelay
	}
	if dc.Retry.Backoff == "" {
		dc.Retry.Backoff = defaultBackoff
	}
	if dc.Persistence.AutoSave == "" {
		dc.Persistence.AutoSave = defaultAutoSave
	}
	if dc.LogLevel == "" {
		dc.LogLevel = defaultLogLevel
	}
}

func (dc *DistributeConfig) applyEnvOverrides() error {
	if value := strings.TrimSpace(os.Getenv("LATTICE_MAX_RETRIES")); value != "" {
		retries, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("LATTICE_MAX_RETRIES: %w", err)
		}
		dc.Retry.MaxRetries = &retries
	}
	if value := strings.TrimSpace(os.Getenv("LATTICE_LOG_LEVEL")); value != "" {
		dc.LogLevel = value
	}
	if value := strings.TrimSpace(os.Getenv("LATTICE_CONTINUE_ON_ERROR")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("LATTICE_CONTINUE_ON_ERROR: %w", err)
		}
		dc.ContinueOnError = enabled
	}
	return nil
}

func (dc *DistributeConfig) normalize(base string) {
	dc.Retry.Backoff = strings.ToLower(strings.TrimSpace(dc.Retry.Backoff))
	dc.Retry.Delay = strings.TrimSpace(dc.Retry.Delay)
	dc.Retry.MaxDelay = strings.TrimSpace(dc.Retry.MaxDelay)
	dc.Persistence.Path = resolvePath(base, dc.Persistence.Path)
	dc.Persistence.AutoSave = strings.ToLower(strings.TrimSpace(dc.Persistence.AutoSave))
	dc.History.Path = resolvePath(base, dc.History.Path)
	dc.LogLevel = strings.ToLower(strings.TrimSpace(dc.LogLevel))
	dc.Bridge.Host = strings.TrimSpace(dc.Bridge.Host)
	for i := range dc.Workers {
		dc.Workers[i].normalize()
	}
}

func (dc *DistributeConfig) validate() error {
	if dc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if dc.Retry.MaxRetries != nil && *dc.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	switch dc.Retry.Backoff {
	case "fixed", "linear", "exponential":
	default:
		return fmt.Errorf("retry.backoff must be 'fixed', 'linear' or 'exponential'")
	}
	if _, err := time.ParseDuration(dc.Retry.Delay); err != nil {
		return fmt.Errorf("retry.delay: %w", err)
	}
	if _, err := time.ParseDuration(dc.Retry.MaxDelay); err != nil {
		return fmt.Errorf("retry.max_delay: %w", err)
	}
	switch dc.Persistence.AutoSave {
	case "0", "off":
	default:
		if _, err := time.ParseDuration(dc.Persistence.AutoSave); err != nil {
			return fmt.Errorf("persistence.auto_save: %w", err)
		}
	}
	switch dc.LogLevel {
	case "trace", "debug", "info", "warn", "error", "disabled":
	default:
		return fmt.Errorf("log_level %q not recognised", dc.LogLevel)
	}
	if dc.Bridge.Port != 0 && (dc.Bridge.Port < 0 || dc.Bridge.Port > 65535) {
		return fmt.Errorf("bridge.port %d out of range", dc.Bridge.Port)
	}
	seen := make(map[string]struct{}, len(dc.Workers))
	for i := range dc.Workers {
		if err := dc.Workers[i].validate(); err != nil {
			return fmt.Errorf("workers[%d]: %w", i, err)
		}
		if _, dup := seen[dc.Workers[i].ID]; dup {
			return fmt.Errorf("workers[%d]: duplicate id %s", i, dc.Workers[i].ID)
		}
		seen[dc.Workers[i].ID] = struct{}{}
	}
	return nil
}

func (w *WorkerConfig) normalize() {
	w.ID = strings.TrimSpace(w.ID)
	w.Command = strings.TrimSpace(w.Command)
	w.Timeout = strings.TrimSpace(w.Timeout)
	caps := make([]string, 0, len(w.Capabilities))
	for _, capability := range w.Capabilities {
		if trimmed := strings.TrimSpace(capability); trimmed != "" && !contains(caps, trimmed) {
			caps = append(caps, trimmed)
		}
	}
	w.Capabilities = caps
}

func (w WorkerConfig) validate() error {
	if w.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(w.Capabilities) == 0 {
		return fmt.Errorf("at least one capability is required")
	}
	if w.Timeout != "" {
		if _, err := time.ParseDuration(w.Timeout); err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
	}
	return nil
}

// TimeoutDuration returns the parsed per-feature timeout, or zero.
func (w WorkerConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(w.Timeout)
	if err != nil {
		return 0
	}
	return d
}

func mustDuration(value, fallback string) time.Duration {
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), target) {
			return true
		}
	}
	return false
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0644)
}
