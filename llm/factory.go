package llm

import (
	"context"
	"net/http"

	"github.com/m4xw311/agentd/config"
	"github.com/m4xw311/agentd/errors"
)

const defaultMaxRetries = 2

// Options carries settings shared by every provider constructor.
type Options struct {
	// CacheExcluded lists glob patterns of model names that reject
	// cache_control on the system prompt.
	CacheExcluded []string
	HTTPClient    *http.Client
	// MaxRetries is the SDK-level retry budget per request. Negative
	// disables retries, zero means the default.
	MaxRetries int
}

func (o Options) maxRetries() int {
	switch {
	case o.MaxRetries < 0:
		return 0
	case o.MaxRetries == 0:
		return defaultMaxRetries
	}
	return o.MaxRetries
}

// Constructor builds a Provider for one model entry.
type Constructor func(ctx context.Context, m config.ModelConfig, opts Options) (Provider, error)

var constructors = map[string]Constructor{
	config.ProviderOpenAI:    NewOpenAIProvider,
	config.ProviderAnthropic: NewAnthropicProvider,
	config.ProviderGemini:    NewGeminiProvider,
	config.ProviderBedrock:   NewBedrockProvider,
}

// NewProvider creates the Provider that serves m.
func NewProvider(ctx context.Context, m config.ModelConfig, opts Options) (Provider, error) {
	newProvider, ok := constructors[m.Provider]
	if !ok {
		return nil, errors.New("unsupported provider '%s' for model '%s'", m.Provider, m.Name)
	}
	p, err := newProvider(ctx, m, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create provider for model '%s'", m.Name)
	}
	return p, nil
}
