package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fabfab/docrouter/llm"
)

const recognizerPrompt = `You extract named entities from text.
Return only a JSON object of the form {"entities":[{"text":"...","label":"..."}]}.
Use these labels: PERSON, ORG, GPE, LOC, PRODUCT, LAW, EVENT, NORP, FAC, WORK_OF_ART.
Copy entity text exactly as it appears. Return {"entities":[]} when there are none.`

// LLMRecognizer asks a chat model for entity spans.
type LLMRecognizer struct {
	client llm.Client
}

func NewLLMRecognizer(client llm.Client) *LLMRecognizer {
	return &LLMRecognizer{client: client}
}

type recognizerResponse struct {
	Entities []Entity `json:"entities"`
}

func (r *LLMRecognizer) Recognize(ctx context.Context, text string) ([]Entity, error) {
	if r == nil || r.client == nil {
		return nil, ErrRecognitionUnavailable
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	raw, err := r.client.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: recognizerPrompt},
		{Role: llm.RoleUser, Content: text},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecognitionUnavailable, err)
	}

	entities, err := parseEntities(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecognitionUnavailable, err)
	}
	return entities, nil
}

// parseEntities tolerates code fences and prose around the JSON object.
func parseEntities(raw string) ([]Entity, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no json object in model output")
	}

	var resp recognizerResponse
	if err := json.Unmarshal([]byte(raw[start:end+1]), &resp); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}

	entities := make([]Entity, 0, len(resp.Entities))
	for _, entity := range resp.Entities {
		entity.Text = strings.TrimSpace(entity.Text)
		entity.Label = strings.ToUpper(strings.TrimSpace(entity.Label))
		if entity.Text == "" {
			continue
		}
		if entity.Label == "" {
			entity.Label = "MISC"
		}
		entities = append(entities, entity)
	}
	return entities, nil
}
