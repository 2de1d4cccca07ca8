package brain

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIChain calls an OpenAI-compatible chat completions API.
type OpenAIChain struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int64
}

func NewOpenAIChain(cfg Config) *OpenAIChain {
	opts := []option.RequestOption{option.WithAPIKey(cfg.OpenAIAPIKey)}
	if strings.TrimSpace(cfg.OpenAIBaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.OpenAIBaseURL))
	}
	model := strings.TrimSpace(cfg.OpenAIModel)
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIChain{
		client:      openai.NewClient(opts...),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

func (c *OpenAIChain) Name() string { return "openai" }

func (c *OpenAIChain) Invoke(ctx context.Context, req Request) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    openAIMessages(req),
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(c.maxTokens)
	}
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

func openAIMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2+2*len(req.Memory))
	msgs = append(msgs, openai.SystemMessage(systemPrompt(req)))
	for _, t := range req.Memory {
		msgs = append(msgs, openai.UserMessage(t.UserMessage), openai.AssistantMessage(t.BotMessage))
	}
	return append(msgs, openai.UserMessage(req.Prompt))
}
