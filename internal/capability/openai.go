package capability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/basket/taskcore/internal/config"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ChatModel is a Model served by an OpenAI-compatible chat completions API
// (OpenAI itself, or a local server such as Ollama or vLLM).
type ChatModel struct {
	client openai.Client
	model  string
}

// NewChatModel builds a chat model. An empty baseURL uses the client's
// default endpoint.
func NewChatModel(model, baseURL, apiKey string, opts ...option.RequestOption) *ChatModel {
	var reqOpts []option.RequestOption
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	reqOpts = append(reqOpts, opts...)
	return &ChatModel{client: openai.NewClient(reqOpts...), model: model}
}

// Name is the model identifier sent with each request.
func (m *ChatModel) Name() string { return m.model }

func (m *ChatModel) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := m.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    m.model,
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion %s: %w", m.model, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// ProviderFromConfig builds a provider holding one ChatModel per configured
// kind. API keys come from each entry's APIKeyEnv.
func ProviderFromConfig(models []config.ModelConfig, opts ...option.RequestOption) StaticModelProvider {
	p := make(StaticModelProvider, len(models))
	for _, mc := range models {
		var key string
		if mc.APIKeyEnv != "" {
			key = os.Getenv(mc.APIKeyEnv)
		}
		p[mc.Kind] = NewChatModel(mc.Model, mc.BaseURL, key, opts...)
	}
	return p
}
