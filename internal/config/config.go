package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Config is the root hiplan configuration.
type Config struct {
	DataDir      string             `json:"data_dir" mapstructure:"data_dir"`
	Gateway      GatewayConfig      `json:"gateway" mapstructure:"gateway"`
	Session      SessionConfig      `json:"session" mapstructure:"session"`
	Generation   GenerationConfig   `json:"generation" mapstructure:"generation"`
	Capabilities CapabilitiesConfig `json:"capabilities" mapstructure:"capabilities"`
	Store        StoreConfig        `json:"store" mapstructure:"store"`
	Prompts      PromptsConfig      `json:"prompts" mapstructure:"prompts"`
	Logging      LoggingConfig      `json:"logging" mapstructure:"logging"`
	Tracing      TracingConfig      `json:"tracing" mapstructure:"tracing"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	Host         string        `json:"host" mapstructure:"host"`
	Port         int           `json:"port" mapstructure:"port"`
	SharedSecret string        `json:"shared_secret" mapstructure:"shared_secret"`
	TickInterval time.Duration `json:"tick_interval" mapstructure:"tick_interval"`
	RateLimit    int           `json:"rate_limit" mapstructure:"rate_limit"` // requests per minute per client
}

// SessionConfig holds per-session budgets and loop behaviour.
type SessionConfig struct {
	MaxIterations     int           `json:"max_iterations" mapstructure:"max_iterations"`
	MaxDuration       time.Duration `json:"max_duration" mapstructure:"max_duration"`
	CapabilityTimeout time.Duration `json:"capability_timeout" mapstructure:"capability_timeout"`
	GenerationTimeout time.Duration `json:"generation_timeout" mapstructure:"generation_timeout"`
	MaxReplans        int           `json:"max_replans" mapstructure:"max_replans"`
	SummarizeSteps    bool          `json:"summarize_steps" mapstructure:"summarize_steps"`
	SynthesizeAnswer  bool          `json:"synthesize_answer" mapstructure:"synthesize_answer"`
	StreamGeneration  bool          `json:"stream_generation" mapstructure:"stream_generation"`
	EventBuffer       int           `json:"event_buffer" mapstructure:"event_buffer"`
	RetainFor         time.Duration `json:"retain_for" mapstructure:"retain_for"`
}

// GenerationConfig selects and tunes the language-model backend.
type GenerationConfig struct {
	Provider        string        `json:"provider" mapstructure:"provider"` // openai, azure, anthropic
	Model           string        `json:"model" mapstructure:"model"`
	APIKey          string        `json:"api_key" mapstructure:"api_key"`
	BaseURL         string        `json:"base_url" mapstructure:"base_url"`
	AzureEndpoint   string        `json:"azure_endpoint" mapstructure:"azure_endpoint"`
	AzureAPIVersion string        `json:"azure_api_version" mapstructure:"azure_api_version"`
	MaxConcurrent   int           `json:"max_concurrent" mapstructure:"max_concurrent"`
	MaxAttempts     int           `json:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff  time.Duration `json:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `json:"max_backoff" mapstructure:"max_backoff"`
	Temperature     float64       `json:"temperature" mapstructure:"temperature"`
	MaxTokens       int           `json:"max_tokens" mapstructure:"max_tokens"`
}

// ProviderConfig describes one capability provider.
type ProviderConfig struct {
	Name    string            `json:"name" mapstructure:"name"`
	Type    string            `json:"type" mapstructure:"type"` // stdio, http
	Command string            `json:"command" mapstructure:"command"`
	Args    []string          `json:"args" mapstructure:"args"`
	Env     []string          `json:"env" mapstructure:"env"` // KEY=VALUE, keys keep their case
	URL     string            `json:"url" mapstructure:"url"`
	Token   string            `json:"token" mapstructure:"token"`
	Timeout time.Duration     `json:"timeout" mapstructure:"timeout"`
}

// CapabilitiesConfig lists providers and the capabilities a session cannot
// live without.
type CapabilitiesConfig struct {
	Providers       []ProviderConfig `json:"providers" mapstructure:"providers"`
	Required        []string         `json:"required" mapstructure:"required"`
	RefreshSchedule string           `json:"refresh_schedule" mapstructure:"refresh_schedule"`
	Watch           bool             `json:"watch" mapstructure:"watch"`
}

// EmbeddingConfig configures vectors for similarity search over traces.
type EmbeddingConfig struct {
	Provider  string `json:"provider" mapstructure:"provider"` // openai, hashing, none
	Model     string `json:"model" mapstructure:"model"`
	Dimension int    `json:"dimension" mapstructure:"dimension"`
	// Timeout bounds a single embedding call made while appending or searching.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// StoreConfig selects the trace/plan store.
type StoreConfig struct {
	Driver    string          `json:"driver" mapstructure:"driver"` // memory, sqlite, postgres
	Path      string          `json:"path" mapstructure:"path"`
	DSN       string          `json:"dsn" mapstructure:"dsn"`
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`
}

// PromptsConfig points at an optional YAML file overriding built-in prompts.
type PromptsConfig struct {
	File string `json:"file" mapstructure:"file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig toggles OpenTelemetry spans.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Enabled:      true,
			Host:         "127.0.0.1",
			Port:         8484,
			TickInterval: 30 * time.Second,
			RateLimit:    120,
		},
		Session: SessionConfig{
			MaxIterations:     20,
			MaxDuration:       10 * time.Minute,
			CapabilityTimeout: 30 * time.Second,
			GenerationTimeout: 60 * time.Second,
			MaxReplans:        2,
			EventBuffer:       64,
			RetainFor:         time.Hour,
		},
		Generation: GenerationConfig{
			Provider:        "openai",
			Model:           "gpt-4o-mini",
			AzureAPIVersion: "2024-06-01",
			MaxConcurrent:   4,
			MaxAttempts:     3,
			InitialBackoff:  500 * time.Millisecond,
			MaxBackoff:      8 * time.Second,
			Temperature:     0.2,
			MaxTokens:       2048,
		},
		Capabilities: CapabilitiesConfig{
			Providers:       []ProviderConfig{},
			Required:        []string{},
			RefreshSchedule: "@every 5m",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Embedding: EmbeddingConfig{
				Provider:  "hashing",
				Dimension: 256,
				Timeout:   15 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			ServiceName: "hiplan",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Gateway.Enabled {
		if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
			errs = append(errs, fmt.Errorf("gateway: invalid port %d", c.Gateway.Port))
		}
		if c.Gateway.SharedSecret == "" {
			errs = append(errs, errors.New("gateway: shared_secret is required when the gateway is enabled"))
		}
	}

	if c.Session.MaxIterations <= 0 {
		errs = append(errs, errors.New("session: max_iterations must be positive"))
	}
	if c.Session.MaxDuration <= 0 {
		errs = append(errs, errors.New("session: max_duration must be positive"))
	}
	if c.Session.CapabilityTimeout <= 0 {
		errs = append(errs, errors.New("session: capability_timeout must be positive"))
	}
	if c.Session.GenerationTimeout <= 0 {
		errs = append(errs, errors.New("session: generation_timeout must be positive"))
	}
	if c.Session.MaxReplans < 0 {
		errs = append(errs, errors.New("session: max_replans cannot be negative"))
	}

	switch c.Generation.Provider {
	case "openai", "anthropic":
	case "azure":
		if c.Generation.AzureEndpoint == "" {
			errs = append(errs, errors.New("generation: azure_endpoint is required for the azure provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("generation: invalid provider %q (must be: openai, azure, anthropic)", c.Generation.Provider))
	}
	if c.Generation.APIKey == "" {
		errs = append(errs, errors.New("generation: api_key is required"))
	}
	if c.Generation.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("generation: max_concurrent must be positive"))
	}
	if c.Generation.MaxAttempts <= 0 {
		errs = append(errs, errors.New("generation: max_attempts must be positive"))
	}

	seen := make(map[string]bool)
	for i, p := range c.Capabilities.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("capabilities: provider %d: name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("capabilities: duplicate provider name %q", p.Name))
		}
		seen[p.Name] = true

		switch p.Type {
		case "stdio":
			if p.Command == "" {
				errs = append(errs, fmt.Errorf("capabilities: provider %s: command is required", p.Name))
			}
		case "http":
			if p.URL == "" {
				errs = append(errs, fmt.Errorf("capabilities: provider %s: url is required", p.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("capabilities: provider %s: invalid type %q (must be: stdio, http)", p.Name, p.Type))
		}
	}

	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store: dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: invalid driver %q (must be: memory, sqlite, postgres)", c.Store.Driver))
	}

	switch c.Store.Embedding.Provider {
	case "", "none", "hashing", "openai":
	default:
		errs = append(errs, fmt.Errorf("store: invalid embedding provider %q", c.Store.Embedding.Provider))
	}
	if c.Store.Embedding.Provider != "" && c.Store.Embedding.Provider != "none" && c.Store.Embedding.Dimension <= 0 {
		errs = append(errs, errors.New("store: embedding dimension must be positive"))
	}
	if c.Store.Embedding.Timeout < 0 {
		errs = append(errs, errors.New("store: embedding timeout must not be negative"))
	}

	return errors.Join(errs...)
}
