package providers

import (
	"fmt"
	"strings"

	"github.com/rcourtman/netdiag/internal/config"
)

// NewFromConfig creates the streaming provider selected by cfg.AIProvider.
func NewFromConfig(cfg *config.Config) (StreamingProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.AIProvider)) {
	case "anthropic":
		if cfg.AIAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key is required")
		}
		return NewAnthropicClient(cfg.AIAPIKey, cfg.AIModel, cfg.AIBaseURL, 0), nil

	case "openai":
		if cfg.AIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key is required")
		}
		return NewOpenAIClient(cfg.AIAPIKey, cfg.AIModel, cfg.AIBaseURL), nil

	case "deepseek":
		if cfg.AIAPIKey == "" {
			return nil, fmt.Errorf("DeepSeek API key is required")
		}
		baseURL := cfg.AIBaseURL
		if baseURL == "" {
			baseURL = "https://api.deepseek.com"
		}
		client := NewOpenAIClient(cfg.AIAPIKey, cfg.AIModel, baseURL)
		client.name = "deepseek"
		return client, nil

	case "ollama":
		baseURL := cfg.AIBaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434/v1"
		}
		client := NewOpenAIClient("", cfg.AIModel, baseURL)
		client.name = "ollama"
		return client, nil

	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.AIProvider)
	}
}
