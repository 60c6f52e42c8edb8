package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ProviderFactory creates providers based on model name or explicit provider choice
type ProviderFactory struct {
	openaiAPIKey string
	geminiAPIKey string
	images       ImageLoader

	mu     sync.Mutex
	cached map[string]Provider
}

// NewProviderFactory creates a new provider factory
func NewProviderFactory(openaiAPIKey, geminiAPIKey string, images ImageLoader) *ProviderFactory {
	return &ProviderFactory{
		openaiAPIKey: openaiAPIKey,
		geminiAPIKey: geminiAPIKey,
		images:       images,
		cached:       make(map[string]Provider),
	}
}

// GetProvider returns the appropriate provider for the given model/provider name
func (f *ProviderFactory) GetProvider(ctx context.Context, model, providerName string) (Provider, error) {
	if providerName == "" {
		providerName = InferProviderName(model)
	}
	return f.getProviderByName(ctx, providerName)
}

// InferProviderName maps a model name to its provider
func InferProviderName(model string) string {
	modelLower := strings.ToLower(model)
	if strings.HasPrefix(modelLower, "gemini-") {
		return providerNameGemini
	}
	// GPT, o-series and unknown models use OpenAI
	return providerNameOpenAI
}

// getProviderByName creates (once) a provider by explicit name
func (f *ProviderFactory) getProviderByName(ctx context.Context, providerName string) (Provider, error) {
	name := strings.ToLower(providerName)

	f.mu.Lock()
	defer f.mu.Unlock()

	if provider, ok := f.cached[name]; ok {
		return provider, nil
	}

	var provider Provider
	switch name {
	case providerNameOpenAI:
		if f.openaiAPIKey == "" {
			return nil, fmt.Errorf("openai API key not configured")
		}
		provider = NewOpenAIProvider(f.openaiAPIKey)

	case providerNameGemini:
		if f.geminiAPIKey == "" {
			return nil, fmt.Errorf("gemini API key not configured")
		}
		gemini, err := NewGeminiProvider(ctx, f.geminiAPIKey, f.images)
		if err != nil {
			return nil, err
		}
		provider = gemini

	default:
		return nil, fmt.Errorf("unknown provider: %s (allowed: openai, gemini)", providerName)
	}

	f.cached[name] = provider
	return provider, nil
}
