package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docrouter/config"
)

func TestNewEmbedderDefaults(t *testing.T) {
	cfg := config.Config{
		Embeddings: config.EmbeddingConfig{
			Provider:  config.ProviderOllama,
			Model:     "nomic-embed-text",
			Dimension: 3,
		},
		OllamaHost: "http://localhost:11434",
	}

	embedder, err := NewEmbedder(cfg)
	if err != nil {
		t.Fatalf("expected embedder, got error: %v", err)
	}
	if embedder == nil {
		t.Fatal("expected non-nil embedder")
	}
}

func TestNewEmbedderOpenAIMissingKey(t *testing.T) {
	cfg := config.Config{
		Embeddings: config.EmbeddingConfig{
			Provider:  config.ProviderOpenAI,
			Model:     "text-embedding-3-small",
			Dimension: 1536,
		},
	}

	if _, err := NewEmbedder(cfg); err == nil {
		t.Fatal("expected error for missing OPENAI_API_KEY")
	}
}

func TestNewEmbedderNoneDisablesEmbeddings(t *testing.T) {
	embedder, err := NewEmbedder(config.Config{Embeddings: config.EmbeddingConfig{Provider: config.ProviderNone}})
	require.NoError(t, err)
	assert.Nil(t, embedder)

	_, err = EmbedQuery(context.Background(), embedder, "anything")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestNewEmbedderWrapsRateLimit(t *testing.T) {
	embedder, err := NewEmbedder(config.Config{Embeddings: config.EmbeddingConfig{Provider: config.ProviderOllama, RequestsPerSecond: 2}})
	require.NoError(t, err)
	assert.IsType(t, &rateLimited{}, embedder)
}

func TestOllamaEmbedderBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaEmbedRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		vectors := make([][]float32, len(req.Input))
		for i := range req.Input {
			vectors[i] = []float32{float32(i), 1, 2}
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: vectors})
	}))
	defer server.Close()

	embedder := NewOllamaEmbedder(Options{OllamaHost: server.URL, Model: "m", Dimension: 3})
	vectors, err := embedder.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1, 2}, {1, 1, 2}}, vectors)

	strict := NewOllamaEmbedder(Options{OllamaHost: server.URL, Model: "m", Dimension: 4})
	_, err = strict.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
}

func TestEmbedQueryWrapsProviderFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := EmbedQuery(context.Background(), NewOllamaEmbedder(Options{OllamaHost: server.URL}), "q")
	require.ErrorIs(t, err, ErrUnavailable)
}

type countingEmbedder struct{ calls int }

func (c *countingEmbedder) Embed(_ context.Context, _ []string) ([][]float32, error) {
	c.calls++
	return [][]float32{{1}}, nil
}

func TestRateLimitedHonoursContext(t *testing.T) {
	next := &countingEmbedder{}
	limited := NewRateLimited(next, 0.001)

	_, err := limited.Embed(context.Background(), []string{"first"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = limited.Embed(ctx, []string{"second"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, next.calls)
}
