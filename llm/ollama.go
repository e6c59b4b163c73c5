package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaHost = "http://localhost:11434"
	// Entity prompts carry up to 5000 runes of document text.
	ollamaContextTokens = 8192
	ollamaKeepAlive     = "10m"
)

type ollamaClient struct {
	endpoint string
	model    string
	format   string
	http     *http.Client
}

type ollamaChatRequest struct {
	Model     string          `json:"model"`
	Messages  []Message       `json:"messages"`
	Stream    bool            `json:"stream"`
	Format    string          `json:"format,omitempty"`
	KeepAlive string          `json:"keep_alive,omitempty"`
	Options   ollamaModelOpts `json:"options"`
}

type ollamaModelOpts struct {
	Temperature float64 `json:"temperature"`
	NumCtx      int     `json:"num_ctx"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	DoneReason string `json:"done_reason"`
	Error      string `json:"error"`
}

func NewOllamaClient(opts Options) Client {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = defaultOllamaHost
	}
	c := &ollamaClient{
		endpoint: host + "/api/chat",
		model:    opts.Model,
		http:     &http.Client{Timeout: 2 * time.Minute},
	}
	if opts.JSON {
		c.format = "json"
	}
	return c
}

func (c *ollamaClient) Generate(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:     c.model,
		Messages:  messages,
		Format:    c.format,
		KeepAlive: ollamaKeepAlive,
		Options:   ollamaModelOpts{Temperature: 0, NumCtx: ollamaContextTokens},
	})
	if err != nil {
		return "", fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("call ollama chat API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama chat API returned status %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("ollama chat error: %s", parsed.Error)
	}
	if c.format == "json" && parsed.DoneReason == "length" {
		return "", fmt.Errorf("ollama chat: %w", ErrTruncated)
	}
	return parsed.Message.Content, nil
}
