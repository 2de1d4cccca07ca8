package brain

import (
	"context"
	"fmt"
	"strings"
)

// MockChain provides deterministic local replies when no model is configured.
type MockChain struct{}

func NewMockChain() *MockChain { return &MockChain{} }

func (c *MockChain) Name() string { return "mock" }

func (c *MockChain) Invoke(ctx context.Context, req Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	base := strings.TrimSpace(lastLine(req.Prompt))
	if base == "" {
		base = "I am listening."
	}
	if len(req.Memory) == 0 {
		return fmt.Sprintf("I heard you: %s", base), nil
	}
	last := strings.TrimSpace(req.Memory[len(req.Memory)-1].UserMessage)
	if last == "" {
		return fmt.Sprintf("I heard you: %s", base), nil
	}
	return fmt.Sprintf("I heard you: %s\nI also remember: %s", base, last), nil
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
