package sms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/reliability"
)

// Sender delivers an ordered sequence of chunks to one recipient.
type Sender interface {
	Deliver(ctx context.Context, chunks []string, to, from string) (DeliveryReport, error)
}

// ChunkResult is the outcome for one chunk. SID is the provider's message id.
type ChunkResult struct {
	Index int    `json:"index"`
	SID   string `json:"sid,omitempty"`
	Err   error  `json:"-"`
}

// DeliveryReport keeps every chunk's outcome, in send order.
type DeliveryReport struct {
	Chunks []ChunkResult `json:"chunks"`
}

// Failed returns the indexes of chunks that were not delivered.
func (r DeliveryReport) Failed() []int {
	var out []int
	for _, c := range r.Chunks {
		if c.Err != nil {
			out = append(out, c.Index)
		}
	}
	return out
}

// SIDs returns the provider ids of delivered chunks.
func (r DeliveryReport) SIDs() []string {
	var out []string
	for _, c := range r.Chunks {
		if c.Err == nil && c.SID != "" {
			out = append(out, c.SID)
		}
	}
	return out
}

// DeliveryError lists the chunks that failed. Unwrap exposes each chunk error.
type DeliveryError struct {
	Total  int
	Failed []ChunkResult
}

func (e *DeliveryError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, c := range e.Failed {
		parts = append(parts, fmt.Sprintf("chunk %d: %v", c.Index, c.Err))
	}
	return fmt.Sprintf("%d of %d chunks failed: %s", len(e.Failed), e.Total, strings.Join(parts, "; "))
}

func (e *DeliveryError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, c := range e.Failed {
		out = append(out, c.Err)
	}
	return out
}

// sendFunc sends a single message and returns its provider id.
type sendFunc func(ctx context.Context, index int, body, to, from string) (string, error)

// deliver sends every chunk in order, retrying transient failures, and keeps
// going after a failed chunk so each outcome is reported.
func deliver(ctx context.Context, send sendFunc, retries int, backoff time.Duration, chunks []string, to, from string) (DeliveryReport, error) {
	report := DeliveryReport{Chunks: make([]ChunkResult, 0, len(chunks))}
	var failed []ChunkResult
	for i, body := range chunks {
		res := ChunkResult{Index: i}
		if err := ctx.Err(); err != nil {
			res.Err = err
		} else {
			res.Err = reliability.Retry(ctx, retries, backoff, 8*backoff, func(int) error {
				sid, err := send(ctx, i, body, to, from)
				if err == nil {
					res.SID = sid
				}
				return err
			})
		}
		report.Chunks = append(report.Chunks, res)
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	if len(failed) > 0 {
		return report, &DeliveryError{Total: len(chunks), Failed: failed}
	}
	return report, nil
}

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioSender delivers through the Twilio Messages API.
type TwilioSender struct {
	api     messageCreator
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

func NewTwilioSender(accountSID, authToken string, logger *slog.Logger) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return newTwilioSender(client.Api, logger)
}

func newTwilioSender(api messageCreator, logger *slog.Logger) *TwilioSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &TwilioSender{api: api, retries: 3, backoff: 250 * time.Millisecond, logger: logger}
}

func (s *TwilioSender) Deliver(ctx context.Context, chunks []string, to, from string) (DeliveryReport, error) {
	return deliver(ctx, s.send, s.retries, s.backoff, chunks, to, from)
}

func (s *TwilioSender) send(_ context.Context, _ int, body, to, from string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(body)

	resp, err := s.api.CreateMessage(params)
	if err != nil {
		s.logger.Warn("twilio create message failed", slog.String("code", reliability.Code(err)), slog.Any("error", err))
		return "", fmt.Errorf("twilio create message: %w", err)
	}
	if resp == nil || resp.Sid == nil {
		return "", nil
	}
	return *resp.Sid, nil
}

// Message is one message captured by MockSender.
type Message struct {
	To   string
	From string
	Body string
}

// MockSender records messages instead of sending them. FailAt makes the
// listed chunk indexes fail.
type MockSender struct {
	mu       sync.Mutex
	messages []Message
	FailAt   map[int]error
}

func NewMockSender() *MockSender { return &MockSender{} }

func (m *MockSender) Deliver(ctx context.Context, chunks []string, to, from string) (DeliveryReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	send := func(_ context.Context, index int, body, to, from string) (string, error) {
		if err := m.FailAt[index]; err != nil {
			return "", err
		}
		m.messages = append(m.messages, Message{To: to, From: from, Body: body})
		return fmt.Sprintf("SM%04d", len(m.messages)), nil
	}
	return deliver(ctx, send, 1, time.Millisecond, chunks, to, from)
}

// Messages returns a copy of everything sent so far.
func (m *MockSender) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}
