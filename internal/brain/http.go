package brain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/reliability"
)

// HTTPChain forwards requests to a JSON endpoint that answers with
// {"text": "..."}, plain text, or an SSE/NDJSON stream of deltas.
type HTTPChain struct {
	url    string
	client *http.Client
}

type httpPayload struct {
	System  string        `json:"system"`
	Prompt  string        `json:"prompt"`
	History []httpMessage `json:"history,omitempty"`
}

type httpMessage struct {
	Human     string `json:"human"`
	Assistant string `json:"assistant"`
}

func NewHTTPChain(url string) *HTTPChain {
	return &HTTPChain{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (c *HTTPChain) Name() string { return "http" }

func (c *HTTPChain) Invoke(ctx context.Context, req Request) (string, error) {
	payload := httpPayload{System: systemPrompt(req), Prompt: req.Prompt}
	for _, t := range req.Memory {
		payload.History = append(payload.History, httpMessage{Human: t.UserMessage, Assistant: t.BotMessage})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &reliability.StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var text string
	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		text, err = collectStream(res.Body)
	} else {
		text, err = decodeBody(res.Body)
	}
	if err != nil {
		return "", err
	}
	if text = strings.TrimSpace(text); text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

func decodeBody(r io.Reader) (string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return string(raw), nil
	}
	return extractText(obj), nil
}

func collectStream(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			break
		}
		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = extractText(obj)
		}
		out.WriteString(delta)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	return out.String(), nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "reply", "response", "delta", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
