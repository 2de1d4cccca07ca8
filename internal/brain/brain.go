// Package brain invokes the language model that writes replies.
package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/memory"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/prompt"
)

// Request is one stateless model invocation: the assembled prompt plus the
// caller's short-term memory, oldest turn first.
type Request struct {
	Prompt string        `json:"prompt"`
	Memory []memory.Turn `json:"memory,omitempty"`
	System string        `json:"system,omitempty"`
}

// Chain produces a reply for a request. Implementations hold no per-user state.
type Chain interface {
	Name() string
	Invoke(ctx context.Context, req Request) (string, error)
}

var ErrEmptyReply = errors.New("model returned an empty reply")

// Config controls chain construction.
type Config struct {
	Mode            string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	AnthropicAPIKey string
	AnthropicModel  string
	HTTPURL         string
	Temperature     float64
	MaxTokens       int64
}

func NewChain(cfg Config) (Chain, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoChain(cfg), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("OPENAI_API_KEY is required for openai mode")
		}
		return NewOpenAIChain(cfg), nil
	case "anthropic":
		if strings.TrimSpace(cfg.AnthropicAPIKey) == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is required for anthropic mode")
		}
		return NewAnthropicChain(cfg), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("BRAIN_HTTP_URL is required for http mode")
		}
		return NewHTTPChain(cfg.HTTPURL), nil
	case "mock":
		return NewMockChain(), nil
	default:
		return nil, fmt.Errorf("unsupported brain mode %q", cfg.Mode)
	}
}

func newAutoChain(cfg Config) Chain {
	var chains []Chain
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		chains = append(chains, NewOpenAIChain(cfg))
	}
	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		chains = append(chains, NewAnthropicChain(cfg))
	}
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		chains = append(chains, NewHTTPChain(cfg.HTTPURL))
	}
	switch len(chains) {
	case 0:
		return NewMockChain()
	case 1:
		return chains[0]
	default:
		return NewFallbackChain(chains[0], chains[1])
	}
}

func systemPrompt(req Request) string {
	if s := strings.TrimSpace(req.System); s != "" {
		return s
	}
	return prompt.SystemPrompt
}
