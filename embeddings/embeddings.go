package embeddings

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/fabfab/docrouter/config"
)

// ErrUnavailable reports that no embedding could be produced. Callers treat
// it as a degraded feature, not a failure.
var ErrUnavailable = errors.New("embeddings unavailable")

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Provider  string
	Model     string
	Dimension int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	RequestsPerSecond float64
}

// NewEmbedder builds the configured embedder. The "none" provider yields a
// nil embedder, which disables vector features.
func NewEmbedder(cfg config.Config) (Embedder, error) {
	opts := Options{
		Provider:          cfg.Embeddings.Provider,
		Model:             cfg.Embeddings.Model,
		Dimension:         cfg.Embeddings.Dimension,
		OllamaHost:        cfg.OllamaHost,
		OpenAIAPIKey:      cfg.OpenAIAPIKey,
		OpenAIBaseURL:     cfg.OpenAIBaseURL,
		RequestsPerSecond: cfg.Embeddings.RequestsPerSecond,
	}

	var embedder Embedder
	switch opts.Provider {
	case config.ProviderNone, "":
		return nil, nil
	case config.ProviderOllama:
		embedder = NewOllamaEmbedder(opts)
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		embedder = NewOpenAIEmbedder(opts)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", opts.Provider)
	}

	if opts.RequestsPerSecond > 0 {
		embedder = NewRateLimited(embedder, opts.RequestsPerSecond)
	}
	return embedder, nil
}

// EmbedQuery embeds a single text. A nil embedder or any provider failure
// is reported as ErrUnavailable.
func EmbedQuery(ctx context.Context, embedder Embedder, text string) ([]float32, error) {
	if embedder == nil {
		return nil, ErrUnavailable
	}
	vectors, err := embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrUnavailable)
	}
	return vectors[0], nil
}

type rateLimited struct {
	next    Embedder
	limiter *rate.Limiter
}

// NewRateLimited throttles calls to next to rps requests per second.
func NewRateLimited(next Embedder, rps float64) Embedder {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *rateLimited) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for embedding rate limit: %w", err)
	}
	return r.next.Embed(ctx, texts)
}
