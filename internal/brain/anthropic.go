package brain

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicChain calls the Anthropic messages API.
type AnthropicChain struct {
	client      anthropic.Client
	model       string
	temperature float64
	maxTokens   int64
}

func NewAnthropicChain(cfg Config) *AnthropicChain {
	model := strings.TrimSpace(cfg.AnthropicModel)
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicChain{
		client:      anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey)),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
	}
}

func (c *AnthropicChain) Name() string { return "anthropic" }

func (c *AnthropicChain) Invoke(ctx context.Context, req Request) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		Messages:    anthropicMessages(req),
		MaxTokens:   c.maxTokens,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt(req)}},
		Temperature: anthropic.Float(c.temperature),
	}
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}
	var out strings.Builder
	for _, block := range resp.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(b.Text)
		}
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

func anthropicMessages(req Request) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, 1+2*len(req.Memory))
	for _, t := range req.Memory {
		msgs = append(msgs,
			anthropic.NewUserMessage(anthropic.NewTextBlock(t.UserMessage)),
			anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.BotMessage)),
		)
	}
	return append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))
}
