package brain

import (
	"context"
	"errors"
	"fmt"
)

// FallbackChain tries the primary chain first and the fallback on error.
type FallbackChain struct {
	primary  Chain
	fallback Chain
}

func NewFallbackChain(primary, fallback Chain) *FallbackChain {
	return &FallbackChain{primary: primary, fallback: fallback}
}

func (c *FallbackChain) Name() string {
	return c.primary.Name() + "+" + c.fallback.Name()
}

// Primary returns the preferred chain used before fallback.
func (c *FallbackChain) Primary() Chain { return c.primary }

// Secondary returns the fallback chain.
func (c *FallbackChain) Secondary() Chain { return c.fallback }

func (c *FallbackChain) Invoke(ctx context.Context, req Request) (string, error) {
	if c.primary == nil {
		if c.fallback != nil {
			return c.fallback.Invoke(ctx, req)
		}
		return "", errors.New("fallback chain misconfigured")
	}
	text, err := c.primary.Invoke(ctx, req)
	if err == nil {
		return text, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || c.fallback == nil {
		return "", err
	}
	text, fallbackErr := c.fallback.Invoke(ctx, req)
	if fallbackErr != nil {
		return "", fmt.Errorf("primary chain error: %w; fallback chain error: %v", err, fallbackErr)
	}
	return text, nil
}
