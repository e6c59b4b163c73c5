package knowledge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docrouter/llm"
)

type stubLLM struct {
	output string
	err    error
	last   []llm.Message
}

func (s *stubLLM) Generate(_ context.Context, messages []llm.Message) (string, error) {
	s.last = messages
	return s.output, s.err
}

func TestLLMRecognizerParsesFencedJSON(t *testing.T) {
	client := &stubLLM{output: "```json\n{\"entities\":[{\"text\":\" Acme Corp \",\"label\":\"org\"},{\"text\":\"\",\"label\":\"GPE\"},{\"text\":\"Mars\"}]}\n```"}

	entities, err := NewLLMRecognizer(client).Recognize(context.Background(), "Acme Corp lands on Mars")
	require.NoError(t, err)

	assert.Equal(t, []Entity{{Text: "Acme Corp", Label: "ORG"}, {Text: "Mars", Label: "MISC"}}, entities)
	require.Len(t, client.last, 2)
	assert.Equal(t, llm.RoleSystem, client.last[0].Role)
	assert.Equal(t, "Acme Corp lands on Mars", client.last[1].Content)
}

func TestLLMRecognizerUnavailable(t *testing.T) {
	_, err := NewLLMRecognizer(nil).Recognize(context.Background(), "text")
	require.ErrorIs(t, err, ErrRecognitionUnavailable)

	_, err = NewLLMRecognizer(&stubLLM{err: errors.New("timeout")}).Recognize(context.Background(), "text")
	require.ErrorIs(t, err, ErrRecognitionUnavailable)

	_, err = NewLLMRecognizer(&stubLLM{output: "sorry, no"}).Recognize(context.Background(), "text")
	require.ErrorIs(t, err, ErrRecognitionUnavailable)
}

func TestSimilarityMatchesTrigramSemantics(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("Acme", "ACME"))
	assert.Equal(t, 0.5, Similarity("acme", "acme corp"))
	assert.Zero(t, Similarity("acme", ""))
	assert.Less(t, Similarity("acme", "berlin"), 0.3)
}
