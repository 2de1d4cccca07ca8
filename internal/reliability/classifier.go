package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	twclient "github.com/twilio/twilio-go/client"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// StatusError carries an HTTP status from a hand-rolled client.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// StatusCode extracts the upstream HTTP status from provider SDK errors, or 0.
func StatusCode(err error) int {
	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		return oaErr.StatusCode
	}
	var anErr *anthropic.Error
	if errors.As(err, &anErr) {
		return anErr.StatusCode
	}
	var twErr *twclient.TwilioRestError
	if errors.As(err, &twErr) {
		return twErr.Status
	}
	var stErr *StatusError
	if errors.As(err, &stErr) {
		return stErr.Code
	}
	return 0
}

// Code buckets an error into a short label for metrics and logs.
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	switch status := StatusCode(err); {
	case status == 401 || status == 403:
		return "auth"
	case status == 429:
		return "rate_limit"
	case status >= 500:
		return "server"
	case status >= 400:
		return "invalid_request"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "network"
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return "timeout"
	case strings.Contains(lower, "connection") || strings.Contains(lower, "refused"):
		return "network"
	default:
		return "unknown"
	}
}

// IsRetryable reports whether repeating the call may succeed.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if status := StatusCode(err); status != 0 {
		return IsRetryableHTTPStatus(status)
	}
	code := Code(err)
	return code == "network" || code == "timeout"
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Retry calls fn up to attempts times, sleeping with capped backoff between
// retryable failures. It stops early when ctx is done.
func Retry(ctx context.Context, attempts int, base, cap time.Duration, fn func(attempt int) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(attempt); err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(ExponentialBackoff(attempt, base, cap))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}
