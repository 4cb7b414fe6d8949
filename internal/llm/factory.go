package llm

import (
	"fmt"

	"pulse/internal/config"
)

// New builds a provider client from configuration.
func New(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIClient(OpenAIConfig{
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		}), nil
	case "nvidia":
		base := cfg.BaseURL
		if base == "" {
			base = "https://integrate.api.nvidia.com/v1"
		}
		return NewOpenAIClient(OpenAIConfig{
			Provider: "nvidia",
			Model:    cfg.Model,
			APIKey:   cfg.APIKey,
			BaseURL:  base,
		}), nil
	case "ollama":
		base := cfg.BaseURL
		if base == "" {
			base = "http://localhost:11434/v1"
		}
		return NewOpenAIClient(OpenAIConfig{
			Provider: "ollama",
			Model:    cfg.Model,
			BaseURL:  base,
		}), nil
	case "anthropic":
		return NewAnthropicClient(AnthropicConfig{
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		}), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %q", cfg.Provider)
	}
}
