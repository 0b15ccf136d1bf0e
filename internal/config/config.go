// Package config loads and validates chaosbrain configuration from
// chaosbrain.yaml, with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all chaosbrain configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	DataDir string `yaml:"data_dir"`

	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Validation ValidationConfig `yaml:"validation"`
	Agent      AgentConfig      `yaml:"agent"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the poll/report HTTP surface.
type ServerConfig struct {
	Addr          string `yaml:"addr"`
	SweepInterval string `yaml:"sweep_interval"` // correlation timeout sweep
	PollTimeout   string `yaml:"poll_timeout"`   // budget for a dispatched command report
}

// StoreConfig configures the command store.
type StoreConfig struct {
	HistoryMax int `yaml:"history_max"`
}

// SchedulerConfig configures slot pacing toward the primary executor.
type SchedulerConfig struct {
	MinSlots  int    `yaml:"min_slots"`
	MaxSlots  int    `yaml:"max_slots"`
	Cooldown  string `yaml:"cooldown"`
	DepthLow  int    `yaml:"depth_low"`  // at or below: settle toward min slots
	DepthHigh int    `yaml:"depth_high"` // at or above: scale toward max slots
}

// ValidationConfig configures the test-and-fix loop.
type ValidationConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MaxAttempts int    `yaml:"max_attempts"`
	Timeout     string `yaml:"timeout"` // budget for a test executor report
}

// AgentConfig configures iterative generation sessions.
type AgentConfig struct {
	MaxIterations int    `yaml:"max_iterations"`
	SessionGrace  string `yaml:"session_grace"` // retention after terminal state
	StepTimeout   string `yaml:"step_timeout"`  // budget for a discovery step report
}

// OracleConfig configures the code-generation oracle.
type OracleConfig struct {
	Provider string `yaml:"provider"` // openrouter, gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// ArchiveConfig configures the optional SQLite history sink.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "chaosbrain",
		DataDir: ".chaosbrain",

		Server: ServerConfig{
			Addr:          ":5000",
			SweepInterval: "2s",
			PollTimeout:   "90s",
		},

		Store: StoreConfig{
			HistoryMax: 200,
		},

		Scheduler: SchedulerConfig{
			MinSlots:  3,
			MaxSlots:  10,
			Cooldown:  "25s",
			DepthLow:  5,
			DepthHigh: 50,
		},

		Validation: ValidationConfig{
			Enabled:     false,
			MaxAttempts: 3,
			Timeout:     "120s",
		},

		Agent: AgentConfig{
			MaxIterations: 5,
			SessionGrace:  "5m",
			StepTimeout:   "180s",
		},

		Oracle: OracleConfig{
			Provider: "openrouter",
			Model:    "anthropic/claude-sonnet-4.5",
			BaseURL:  "https://openrouter.ai/api/v1",
			Timeout:  "120s",
		},

		Archive: ArchiveConfig{
			Enabled: false,
			Path:    "commands.db",
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Oracle API key from environment (check in priority order)
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		c.Oracle.APIKey = key
		if c.Oracle.Provider == "" {
			c.Oracle.Provider = "openrouter"
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Oracle.APIKey = key
		c.Oracle.Provider = "gemini"
	}
	if key := os.Getenv("CHAOSBRAIN_API_KEY"); key != "" {
		c.Oracle.APIKey = key
	}

	if addr := os.Getenv("CHAOSBRAIN_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if model := os.Getenv("CHAOSBRAIN_MODEL"); model != "" {
		c.Oracle.Model = model
	}
	if v := os.Getenv("CHAOSBRAIN_VALIDATION"); v != "" {
		c.Validation.Enabled = v == "1" || v == "true"
	}
	if path := os.Getenv("CHAOSBRAIN_DB"); path != "" {
		c.Archive.Path = path
		c.Archive.Enabled = true
	}
}

// GetCooldown returns the slot cool-down interval as a duration.
func (c *Config) GetCooldown() time.Duration {
	d, err := time.ParseDuration(c.Scheduler.Cooldown)
	if err != nil {
		return 25 * time.Second
	}
	return d
}

// GetValidationTimeout returns the validation report budget as a duration.
func (c *Config) GetValidationTimeout() time.Duration {
	d, err := time.ParseDuration(c.Validation.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetSweepInterval returns the correlation sweep interval as a duration.
func (c *Config) GetSweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Server.SweepInterval)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetPollTimeout returns the primary dispatch report budget as a duration.
func (c *Config) GetPollTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.PollTimeout)
	if err != nil {
		return 90 * time.Second
	}
	return d
}

// GetSessionGrace returns the terminal session retention as a duration.
func (c *Config) GetSessionGrace() time.Duration {
	d, err := time.ParseDuration(c.Agent.SessionGrace)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetStepTimeout returns the discovery step report budget as a duration.
func (c *Config) GetStepTimeout() time.Duration {
	d, err := time.ParseDuration(c.Agent.StepTimeout)
	if err != nil {
		return 180 * time.Second
	}
	return d
}

// GetOracleTimeout returns the oracle HTTP timeout as a duration.
func (c *Config) GetOracleTimeout() time.Duration {
	d, err := time.ParseDuration(c.Oracle.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// ValidProviders lists all supported oracle providers.
var ValidProviders = []string{"openrouter", "gemini"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Oracle.APIKey == "" {
		return fmt.Errorf("oracle API key not configured (set OPENROUTER_API_KEY or GEMINI_API_KEY)")
	}

	validProvider := false
	for _, p := range ValidProviders {
		if c.Oracle.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid oracle provider: %s (valid: %v)", c.Oracle.Provider, ValidProviders)
	}

	if c.Scheduler.MinSlots < 1 || c.Scheduler.MaxSlots < c.Scheduler.MinSlots {
		return fmt.Errorf("invalid slot bounds: min=%d max=%d", c.Scheduler.MinSlots, c.Scheduler.MaxSlots)
	}
	if c.Validation.MaxAttempts < 1 {
		return fmt.Errorf("validation max_attempts must be >= 1, got %d", c.Validation.MaxAttempts)
	}
	if c.Store.HistoryMax < 1 {
		return fmt.Errorf("store history_max must be >= 1, got %d", c.Store.HistoryMax)
	}
	return nil
}
