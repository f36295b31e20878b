package agent

import (
	"context"
	"fmt"
)

// LLMProvider is an interface for chat-completion backends
type LLMProvider interface {
	// Call makes one model call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for one model call
type LLMRequest struct {
	Model        string
	Messages     []Message
	Tools        []ToolSpec
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse contains the response from the model
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// ProviderFactory builds providers of one kind against one endpoint. The
// router uses it to build a provider around a caller's own key.
type ProviderFactory struct {
	Kind    string
	BaseURL string
}

// NewProvider creates a provider authenticated with apiKey.
func (f ProviderFactory) NewProvider(apiKey string) (LLMProvider, error) {
	switch f.Kind {
	case "", "openai":
		return NewOpenAIProvider(apiKey, f.BaseURL), nil
	case "anthropic":
		return NewAnthropicProvider(apiKey, f.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", f.Kind)
	}
}
