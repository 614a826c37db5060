package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Execution engine
	ComfyHost      string `mapstructure:"comfy-host"`
	ComfyPort      int    `mapstructure:"comfy-port"`
	ComfyOutputDir string `mapstructure:"comfy-output-dir"`

	// Working directories
	WorkDir   string `mapstructure:"work-dir"`
	ModelsDir string `mapstructure:"models-dir"`
	SinkDir   string `mapstructure:"sink-dir"`

	// HTTP surface
	ListenAddr string `mapstructure:"listen-addr"`

	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// FSM configuration
	FSMEnabled    bool `mapstructure:"fsm-enabled"`
	FSMMaxRetries int  `mapstructure:"fsm-max-retries"`

	// Jobs
	PollInterval time.Duration `mapstructure:"poll-interval"`
	JobTimeout   time.Duration `mapstructure:"job-timeout"`

	// Artifact fetching
	FetchStrategies  []string `mapstructure:"fetch-strategies"`
	FetchConcurrency int      `mapstructure:"fetch-concurrency"`
	StrictArtifacts  bool     `mapstructure:"strict-artifacts"`

	// S3 configuration
	S3Region    string `mapstructure:"s3-region"`
	S3Anonymous bool   `mapstructure:"s3-anonymous"`

	// Image sink limits
	MaxImageSize      int64   `mapstructure:"max-image-size"`
	MaxBatchSize      int64   `mapstructure:"max-batch-size"`
	MaxExpansionRatio float64 `mapstructure:"max-expansion-ratio"`

	LogFormat string `mapstructure:"log-format"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("comfy-host", "127.0.0.1")
	viper.SetDefault("comfy-port", 8188)
	viper.SetDefault("work-dir", "/workspace")
	viper.SetDefault("sink-dir", "./remote_results")
	viper.SetDefault("listen-addr", ":8000")
	viper.SetDefault("sqlite-path", ".artifacts/modelworker.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("fsm-enabled", false)
	viper.SetDefault("fsm-max-retries", 5)
	viper.SetDefault("poll-interval", 500*time.Millisecond)
	viper.SetDefault("job-timeout", 30*time.Minute)
	viper.SetDefault("fetch-strategies", []string{"aria2c", "curl"})
	viper.SetDefault("fetch-concurrency", 1)
	viper.SetDefault("strict-artifacts", true)
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-anonymous", false)
	viper.SetDefault("max-image-size", 64*1024*1024)
	viper.SetDefault("max-batch-size", 512*1024*1024)
	viper.SetDefault("max-expansion-ratio", 1000.0)
	viper.SetDefault("log-format", "text")

	// Environment variables (will be MODELWORKER_COMFY_PORT, etc.)
	viper.SetEnvPrefix("MODELWORKER")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Unprefixed names the worker image has always been configured with
	viper.BindEnv("comfy-port", "MODELWORKER_COMFY_PORT", "COMFY_PORT")
	viper.BindEnv("work-dir", "MODELWORKER_WORK_DIR", "WORKDIR")
	viper.BindEnv("models-dir", "MODELWORKER_MODELS_DIR", "MODELS_DIR")
	viper.BindEnv("comfy-output-dir", "MODELWORKER_COMFY_OUTPUT_DIR", "COMFY_OUTPUT_DIR")

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.modelworker")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Directories derived from work-dir unless set explicitly
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = filepath.Join(cfg.WorkDir, "models")
	}
	if cfg.ComfyOutputDir == "" {
		cfg.ComfyOutputDir = filepath.Join(cfg.WorkDir, "ComfyUI", "output")
	}
	if abs, err := filepath.Abs(cfg.ComfyOutputDir); err == nil {
		cfg.ComfyOutputDir = abs
	}

	return &cfg, nil
}

// ComfyURL is the base URL of the execution engine
func (c *Config) ComfyURL() string {
	return fmt.Sprintf("http://%s:%d", c.ComfyHost, c.ComfyPort)
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.ComfyHost == "" {
		return fmt.Errorf("comfy-host cannot be empty")
	}
	if c.ComfyPort <= 0 || c.ComfyPort > 65535 {
		return fmt.Errorf("comfy-port must be between 1 and 65535")
	}
	if c.ModelsDir == "" {
		return fmt.Errorf("models-dir cannot be empty")
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMEnabled && c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty when fsm-enabled is set")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job-timeout must be positive")
	}
	if len(c.FetchStrategies) == 0 {
		return fmt.Errorf("fetch-strategies cannot be empty")
	}
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("fetch-concurrency must be at least 1")
	}
	if c.MaxImageSize <= 0 {
		return fmt.Errorf("max-image-size must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max-batch-size must be positive")
	}
	if c.MaxExpansionRatio <= 0 {
		return fmt.Errorf("max-expansion-ratio must be positive")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log-format must be text or json")
	}
	return nil
}
