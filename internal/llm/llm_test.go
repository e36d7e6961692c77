package llm

import (
	"context"
	"testing"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChatService struct {
	content string
	err     error
}

func (f *fakeChatService) Create(ctx context.Context, body openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	if f.err != nil {
		return openai.ChatCompletion{}, f.err
	}
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.content}},
		},
	}, nil
}

func newTestClient(chat ChatService) *Client {
	return &Client{chat: chat, model: DefaultModel, temperature: DefaultTemperature, maxTokens: DefaultMaxTokens, timeout: DefaultTimeout}
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient()
	assert.ErrorIs(t, err, ErrAPIKeyNotSet)
}

func TestClient_CompleteJSON(t *testing.T) {
	c := newTestClient(&fakeChatService{content: `{"kind":"small_talk"}`})
	raw, err := c.CompleteJSON(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"small_talk"}`, raw)
}

func TestClient_CompleteNoChoices(t *testing.T) {
	c := newTestClient(&fakeChatService{})
	_, err := c.CompleteText(context.Background(), "sys", "user")
	assert.ErrorIs(t, err, ErrNoChoicesReturned)
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, DecodeJSON(`{"kind":"x"}`, &v))
	assert.Equal(t, "x", v.Kind)
}
