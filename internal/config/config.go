// Package config loads the OpenMates core configuration from a YAML file
// with environment variable expansion, layering defaults the same way the
// rest of the system expects them.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the core service.
type Config struct {
	// Environment is "development" or "production". Development gates
	// verbose logging. Overridden by SERVER_ENVIRONMENT.
	Environment string `yaml:"environment"`

	Logging   LoggingConfig   `yaml:"logging"`
	Vault     VaultConfig     `yaml:"vault"`
	Providers ProvidersConfig `yaml:"providers"`
	Skills    SkillsConfig    `yaml:"skills"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// LoggingConfig configures the slog setup.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// VaultConfig configures the transit keystore client.
type VaultConfig struct {
	// URL is the base URL of the transit service. Overridden by VAULT_URL.
	URL string `yaml:"url"`

	// TokenFile is the path to the service token file. The default chain
	// is /vault-data/api.token with /tmp/vault-token as fallback.
	TokenFile string `yaml:"token_file"`
}

// ProviderConfig configures one model provider.
type ProviderConfig struct {
	// Kind selects the adapter: "openai", "mistral", "groq", "anthropic",
	// "google".
	Kind string `yaml:"kind"`

	// BaseURL overrides the provider endpoint for OpenAI-compatible APIs.
	BaseURL string `yaml:"base_url,omitempty"`

	// SecretPath and SecretKey locate the API key in the keystore.
	SecretPath string `yaml:"secret_path"`
	SecretKey  string `yaml:"secret_key"`
}

// ModelRef names a concrete model at a provider.
type ModelRef struct {
	Provider string `yaml:"provider"`
	ModelID  string `yaml:"model_id"`
}

// ProvidersConfig maps provider names to adapters and model tiers to
// concrete models.
type ProvidersConfig struct {
	Clients map[string]ProviderConfig `yaml:"clients"`

	// Tiers maps the preprocess model_selector values ("fast",
	// "balanced", "max") to models. A "preprocess" tier is used for the
	// pre and post stages.
	Tiers map[string]ModelRef `yaml:"tiers"`
}

// SkillsConfig configures the skill registry and dispatcher.
type SkillsConfig struct {
	// Root is the directory tree holding app manifests
	// (apps/<app_id>/skills/<skill_id>.yml).
	Root string `yaml:"root"`

	// MaxConcurrency caps parallel inline skills per task.
	MaxConcurrency int `yaml:"max_concurrency"`

	// DefaultTimeout bounds one inline skill execution.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// QueueDeadline bounds one queued skill round trip.
	QueueDeadline time.Duration `yaml:"queue_deadline"`
}

// StoreConfig configures the record-store REST client.
type StoreConfig struct {
	URL        string `yaml:"url"`
	AdminToken string `yaml:"admin_token"`
}

// RedisConfig configures the cache/queue connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// PipelineConfig holds the orchestration limits.
type PipelineConfig struct {
	MaxToolRounds      int           `yaml:"max_tool_rounds"`
	HistoryTokenBudget int           `yaml:"history_token_budget"`
	PreprocessTimeout  time.Duration `yaml:"preprocess_timeout"`
	StreamTimeout      time.Duration `yaml:"stream_timeout"`
	PostprocessTimeout time.Duration `yaml:"postprocess_timeout"`
	TaskTimeout        time.Duration `yaml:"task_timeout"`
}

// TracingConfig configures the OTLP trace exporter. Tracing is disabled
// when Endpoint is empty.
type TracingConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Default returns the configuration defaults applied before the file is
// merged on top.
func Default() *Config {
	return &Config{
		Environment: "production",
		Logging:     LoggingConfig{Level: "info", Format: "json"},
		Vault:       VaultConfig{TokenFile: "/vault-data/api.token"},
		Skills: SkillsConfig{
			Root:           "apps",
			MaxConcurrency: 4,
			DefaultTimeout: 60 * time.Second,
			QueueDeadline:  120 * time.Second,
		},
		Pipeline: PipelineConfig{
			MaxToolRounds:      4,
			HistoryTokenBudget: 120_000,
			PreprocessTimeout:  30 * time.Second,
			StreamTimeout:      180 * time.Second,
			PostprocessTimeout: 30 * time.Second,
			TaskTimeout:        8 * time.Minute,
		},
	}
}

// Load reads the YAML config at path, expands ${ENV} references, and
// applies environment overrides for VAULT_URL and SERVER_ENVIRONMENT.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VAULT_URL"); v != "" {
		cfg.Vault.URL = v
	}
	if v := os.Getenv("SERVER_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if cfg.Environment == "development" && cfg.Logging.Level == "info" {
		cfg.Logging.Level = "debug"
	}
}

// Validate checks the invariants the rest of the system assumes.
func (c *Config) Validate() error {
	if c.Vault.URL == "" {
		return fmt.Errorf("config: vault.url is required (or set VAULT_URL)")
	}
	if c.Pipeline.MaxToolRounds <= 0 {
		return fmt.Errorf("config: pipeline.max_tool_rounds must be positive")
	}
	if c.Skills.MaxConcurrency <= 0 {
		return fmt.Errorf("config: skills.max_concurrency must be positive")
	}
	for tier, ref := range c.Providers.Tiers {
		if _, ok := c.Providers.Clients[ref.Provider]; !ok {
			return fmt.Errorf("config: tier %q references unknown provider %q", tier, ref.Provider)
		}
	}
	return nil
}
