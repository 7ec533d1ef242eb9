package enrichment

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI uses the chat completions API. Citations come from url_citation
// annotations when the model returns them.
type OpenAI struct {
	apiKey string
	model  string
	client *openai.Client
}

func NewOpenAI(apiKey, model, baseURL string) *OpenAI {
	if model == "" {
		model = defaultOpenAIModel
	}
	o := &OpenAI{apiKey: apiKey, model: model}
	if apiKey == "" {
		return o
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: callTimeout}),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	o.client = &client
	return o
}

func (o *OpenAI) Analyze(ctx context.Context, drugName, notes string) (*Result, error) {
	msg, err := o.complete(ctx, analysisPrompt(drugName, notes))
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		text = emptyAnalysisText
	}

	sources := []Source{}
	for _, a := range msg.Annotations {
		if a.URLCitation.URL == "" {
			continue
		}
		title := a.URLCitation.Title
		if title == "" {
			title = defaultSourceName
		}
		sources = append(sources, Source{Title: title, URI: a.URLCitation.URL})
	}
	return &Result{Text: text, Sources: sources}, nil
}

func (o *OpenAI) Summarize(ctx context.Context, reason string) (string, error) {
	msg, err := o.complete(ctx, summaryPrompt(reason))
	if err != nil {
		return "", err
	}
	if text := strings.TrimSpace(msg.Content); text != "" {
		return text, nil
	}
	return emptySummaryText, nil
}

func (o *OpenAI) complete(ctx context.Context, prompt string) (*openai.ChatCompletionMessage, error) {
	if o.client == nil {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY is not set", ErrNotConfigured)
	}
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model: openai.ChatModel(o.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return &openai.ChatCompletionMessage{}, nil
	}
	return &resp.Choices[0].Message, nil
}
