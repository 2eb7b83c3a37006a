package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// openaiProvider implements Provider using the OpenAI SDK. Requests ask for
// native JSON output; models that reject response_format are retried once
// without it.
type openaiProvider struct {
	client openai.Client
	model  string
}

func newOpenAIProvider(apiKey, model string) Provider {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &openaiProvider{client: client, model: model}
}

func (p *openaiProvider) NativeJSON() bool { return true }

func (p *openaiProvider) Complete(
	ctx context.Context,
	systemPrompt, userPrompt string,
	maxTokens int,
	temperature float64,
) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.model),
		MaxTokens:   openai.Int(int64(maxTokens)),
		Temperature: openai.Float(temperature),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil && responseFormatRejected(err) {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{}
		params.Messages[0] = openai.SystemMessage(systemPrompt + jsonOnlySuffix)
		resp, err = p.client.Chat.Completions.New(ctx, params)
	}
	if err != nil {
		return "", fmt.Errorf("openai: chat.completions.new: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: response contained no choices")
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", fmt.Errorf("openai: response contained no content")
	}
	return content, nil
}

// responseFormatRejected reports whether err is the API refusing the
// response_format parameter for the selected model.
func responseFormatRejected(err error) bool {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "response_format")
}
