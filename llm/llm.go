package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/fabfab/docrouter/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Client interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

type Options struct {
	Provider string
	Model    string
	// JSON asks the provider to constrain output to a JSON object.
	JSON bool

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

// NewClient builds the configured chat client. The "none" provider yields a
// nil client.
func NewClient(cfg config.Config, jsonOutput bool) (Client, error) {
	opts := Options{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		JSON:          jsonOutput,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}

	var client Client
	switch opts.Provider {
	case config.ProviderNone, "":
		return nil, nil
	case config.ProviderOllama:
		client = NewOllamaClient(opts)
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		client = NewOpenAIClient(opts)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}

	if cfg.LLM.RequestsPerSecond > 0 {
		client = NewRateLimited(client, cfg.LLM.RequestsPerSecond)
	}
	return client, nil
}

type rateLimited struct {
	next    Client
	limiter *rate.Limiter
}

func NewRateLimited(next Client, rps float64) Client {
	return &rateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), 1)}
}

func (r *rateLimited) Generate(ctx context.Context, messages []Message) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("wait for llm rate limit: %w", err)
	}
	return r.next.Generate(ctx, messages)
}
