package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// ErrTruncated reports a completion cut off by the token limit. JSON output
// is unusable in that case.
var ErrTruncated = errors.New("completion truncated")

type openAIClient struct {
	client *openai.Client
	model  string
	json   bool
}

func NewOpenAIClient(opts Options) Client {
	cfg := openai.DefaultConfig(opts.OpenAIAPIKey)
	if opts.OpenAIBaseURL != "" {
		cfg.BaseURL = opts.OpenAIBaseURL
	}
	return &openAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  opts.Model,
		json:   opts.JSON,
	}
}

func (c *openAIClient) Generate(ctx context.Context, messages []Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, msg := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}
	if c.json {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("openai chat completion (status %d, %s): %w", apiErr.HTTPStatusCode, apiErr.Type, err)
		}
		return "", fmt.Errorf("create openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai chat completion returned no choices")
	}

	choice := resp.Choices[0]
	if c.json && choice.FinishReason == openai.FinishReasonLength {
		return "", fmt.Errorf("openai chat completion: %w", ErrTruncated)
	}
	return choice.Message.Content, nil
}
