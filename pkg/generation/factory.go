package generation

import "fmt"

// ProviderConfig selects a backend by name.
type ProviderConfig struct {
	Provider        string // openai, azure, anthropic
	APIKey          string
	BaseURL         string
	Model           string
	AzureEndpoint   string
	AzureAPIVersion string
	Temperature     float64
	MaxTokens       int
}

// NewProvider builds the provider named by cfg.Provider.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai", "azure":
		if cfg.Provider == "azure" && cfg.AzureEndpoint == "" {
			return nil, fmt.Errorf("azure endpoint is required")
		}
		if cfg.Provider == "openai" {
			cfg.AzureEndpoint = ""
		}
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:          cfg.APIKey,
			BaseURL:         cfg.BaseURL,
			Model:           cfg.Model,
			AzureEndpoint:   cfg.AzureEndpoint,
			AzureAPIVersion: cfg.AzureAPIVersion,
			Temperature:     cfg.Temperature,
			MaxTokens:       cfg.MaxTokens,
		})
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}
