// Package config loads and validates the webpilot service configuration.
//
// Configuration comes from a YAML file, then environment variables
// (OPENAI_API_KEY, OPENAI_BASE_URL, WEBPILOT_MODEL), then command-line flags
// applied by the caller.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/entrhq/webpilot/pkg/obstacle"
	"gopkg.in/yaml.v3"
)

// Config represents the full service configuration.
type Config struct {
	Planner    PlannerConfig    `yaml:"planner" json:"planner"`
	Browser    BrowserConfig    `yaml:"browser" json:"browser"`
	Pool       PoolConfig       `yaml:"pool" json:"pool"`
	Loop       LoopConfig       `yaml:"loop" json:"loop"`
	Obstacles  ObstacleConfig   `yaml:"obstacles" json:"obstacles"`
	Navigation NavigationConfig `yaml:"navigation" json:"navigation"`
	Notify     NotifyConfig     `yaml:"notify" json:"notify"`
	Artifacts  ArtifactConfig   `yaml:"artifacts" json:"artifacts"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Server     ServerConfig     `yaml:"server" json:"server"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// PlannerConfig configures the planning capability.
type PlannerConfig struct {
	Model   string `yaml:"model" json:"model"`
	BaseURL string `yaml:"base_url" json:"base_url"`
	APIKey  string `yaml:"api_key" json:"-"`

	// InterpreterModel is used by the browser driver to turn natural-language
	// instructions into browser operations. Empty means Model.
	InterpreterModel string `yaml:"interpreter_model" json:"interpreter_model"`

	// PromptTokenBudget caps the page content rendered into each planning prompt.
	PromptTokenBudget int `yaml:"prompt_token_budget" json:"prompt_token_budget"`
}

// BrowserConfig configures sessions launched by the automation driver.
type BrowserConfig struct {
	Headless       bool          `yaml:"headless" json:"headless"`
	ViewportWidth  int           `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight int           `yaml:"viewport_height" json:"viewport_height"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	SkipInstall    bool          `yaml:"skip_install" json:"skip_install"`
}

// PoolConfig configures the session pool.
type PoolConfig struct {
	Capacity       int           `yaml:"capacity" json:"capacity"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// LoopConfig configures the planning loop.
type LoopConfig struct {
	DefaultBudget    int `yaml:"default_budget" json:"default_budget"`
	MaxBudget        int `yaml:"max_budget" json:"max_budget"`
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	HistoryWindow    int `yaml:"history_window" json:"history_window"`
}

// ObstacleConfig configures the obstacle clearer.
type ObstacleConfig struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	RetriesPerOption int      `yaml:"retries_per_option" json:"retries_per_option"`
	Options          []string `yaml:"options" json:"options"`
}

// NavigationConfig restricts the URLs a task may navigate to. Patterns are globs
// matched against the full URL; an empty allow list allows everything not denied.
type NavigationConfig struct {
	AllowedURLs []string `yaml:"allowed_urls" json:"allowed_urls"`
	DeniedURLs  []string `yaml:"denied_urls" json:"denied_urls"`
}

// NotifyConfig configures the notification fan-out.
type NotifyConfig struct {
	QueueSize    int           `yaml:"queue_size" json:"queue_size"`
	SendBuffer   int           `yaml:"send_buffer" json:"send_buffer"`
	PingInterval time.Duration `yaml:"ping_interval" json:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout" json:"pong_timeout"`
}

// ArtifactConfig configures where run artifacts are written.
type ArtifactConfig struct {
	OutputDir   string `yaml:"output_dir" json:"output_dir"`
	Screenshots bool   `yaml:"screenshots" json:"screenshots"`
	Summary     bool   `yaml:"summary" json:"summary"`
}

// StoreConfig configures the task store.
type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Address      string        `yaml:"address" json:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Verbosity controls logging level: quiet, normal, verbose, debug
	Verbosity string `yaml:"verbosity" json:"verbosity"`
	Dir       string `yaml:"dir" json:"dir"`
}

// DefaultConfig returns a configuration suitable for a single-host deployment.
func DefaultConfig() *Config {
	return &Config{
		Planner: PlannerConfig{
			Model:             "gpt-4o",
			PromptTokenBudget: 2000,
		},
		Browser: BrowserConfig{
			Headless:       true,
			ViewportWidth:  1280,
			ViewportHeight: 720,
			Timeout:        30 * time.Second,
		},
		Pool: PoolConfig{
			Capacity:       4,
			AcquireTimeout: 2 * time.Minute,
			IdleTimeout:    30 * time.Minute,
			SweepInterval:  5 * time.Minute,
		},
		Loop: LoopConfig{
			DefaultBudget:    20,
			MaxBudget:        100,
			FailureThreshold: 3,
			HistoryWindow:    3,
		},
		Obstacles: ObstacleConfig{
			Enabled:          true,
			RetriesPerOption: obstacle.DefaultRetriesPerOption,
			Options:          append([]string(nil), obstacle.DefaultOptions...),
		},
		Notify: NotifyConfig{
			QueueSize:    100,
			SendBuffer:   64,
			PingInterval: 30 * time.Second,
			PongTimeout:  10 * time.Second,
		},
		Artifacts: ArtifactConfig{
			OutputDir:   ".webpilot/runs",
			Screenshots: true,
			Summary:     true,
		},
		Store: StoreConfig{
			Path: ".webpilot/webpilot.db",
		},
		Server: ServerConfig{
			Address:      "127.0.0.1:8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  2 * time.Minute,
		},
		Logging: LoggingConfig{
			Verbosity: "normal",
		},
	}
}

// Load reads a YAML file on top of DefaultConfig and applies environment
// overrides. An empty path yields the defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv fills planner credentials from the environment when the file left
// them empty.
func (c *Config) ApplyEnv() {
	if c.Planner.APIKey == "" {
		c.Planner.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Planner.BaseURL == "" {
		c.Planner.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if model := os.Getenv("WEBPILOT_MODEL"); model != "" {
		c.Planner.Model = model
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Planner.Model == "" {
		return fmt.Errorf("planner model is required")
	}

	if c.Pool.Capacity < 1 {
		return fmt.Errorf("pool capacity must be at least 1")
	}
	if c.Pool.AcquireTimeout < 0 || c.Pool.IdleTimeout < 0 || c.Pool.SweepInterval < 0 {
		return fmt.Errorf("pool timeouts cannot be negative")
	}

	if c.Loop.DefaultBudget < 1 {
		return fmt.Errorf("default_budget must be at least 1")
	}
	if c.Loop.MaxBudget < c.Loop.DefaultBudget {
		return fmt.Errorf("max_budget (%d) cannot be below default_budget (%d)", c.Loop.MaxBudget, c.Loop.DefaultBudget)
	}
	if c.Loop.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1")
	}
	if c.Loop.HistoryWindow < 1 || c.Loop.HistoryWindow > 3 {
		return fmt.Errorf("history_window must be between 1 and 3")
	}

	if c.Obstacles.Enabled {
		if c.Obstacles.RetriesPerOption < 1 {
			return fmt.Errorf("obstacles.retries_per_option must be at least 1")
		}
		if len(c.Obstacles.Options) == 0 {
			return fmt.Errorf("obstacles.options cannot be empty when obstacles are enabled")
		}
	}

	if c.Notify.QueueSize < 1 {
		return fmt.Errorf("notify.queue_size must be at least 1")
	}
	if c.Notify.PingInterval <= 0 || c.Notify.PongTimeout <= 0 {
		return fmt.Errorf("notify ping_interval and pong_timeout must be positive")
	}

	if c.Artifacts.OutputDir == "" {
		return fmt.Errorf("artifacts.output_dir is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	// Set default verbosity if not specified
	if c.Logging.Verbosity == "" {
		c.Logging.Verbosity = "normal"
	}
	validLevels := map[string]bool{
		"quiet":   true,
		"normal":  true,
		"verbose": true,
		"debug":   true,
	}
	if !validLevels[c.Logging.Verbosity] {
		return fmt.Errorf("invalid logging verbosity: %s (must be 'quiet', 'normal', 'verbose', or 'debug')", c.Logging.Verbosity)
	}

	return nil
}
