package services

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

// Providers with an OpenAI-compatible chat completion API
const (
	ProviderOpenAI     = "openai"
	ProviderDeepseek   = "deepseek"
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
)

var providerBaseURLs = map[string]string{
	ProviderDeepseek:   "https://api.deepseek.com/v1",
	ProviderOpenRouter: "https://openrouter.ai/api/v1",
	ProviderOllama:     "http://localhost:11434/v1",
}

// ClientConfig selects the chat completion endpoint
type ClientConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
}

// NewChatClient builds a client for the configured provider. BaseURL overrides the
// provider's default endpoint; Ollama needs no API key.
func NewChatClient(cfg ClientConfig) (*openai.Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderOpenAI
	}
	if _, known := providerBaseURLs[provider]; !known && provider != ProviderOpenAI {
		return nil, errors.Errorf("unknown LLM provider: %s", cfg.Provider)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		if provider != ProviderOllama {
			return nil, errors.Errorf("API key for provider %s is not set", provider)
		}
		apiKey = "not-needed"
	}

	config := openai.DefaultConfig(apiKey)
	if base, ok := providerBaseURLs[provider]; ok {
		config.BaseURL = base
	}
	if provider == ProviderOpenRouter {
		config.OrgID = "openrouter"
	}
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(config), nil
}
