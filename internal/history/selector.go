// Package history picks prior turns to inject into a prompt under a
// character budget.
package history

import (
	"context"
	"iter"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/memory"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/observability"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/reliability"
)

const DefaultBudget = 1000

type Selector struct {
	searcher memory.Searcher
	budget   int
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
}

type Option func(*Selector)

func WithBudget(chars int) Option {
	return func(s *Selector) {
		if chars > 0 {
			s.budget = chars
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Selector) { s.timeout = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Selector) { s.metrics = m }
}

func NewSelector(searcher memory.Searcher, opts ...Option) *Selector {
	s := &Selector{
		searcher: searcher,
		budget:   DefaultBudget,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Selector) Budget() int { return s.budget }

// Select packs search results for message in ranked order, best first. It
// stops at the first turn that would overflow budget, so a later, shorter
// turn never jumps ahead of a better one. The result is in relevance order,
// not chronological order. A failed search yields no history.
func (s *Selector) Select(ctx context.Context, message string, identity memory.Identity, budget int) []memory.Turn {
	if budget <= 0 {
		budget = s.budget
	}
	if s.searcher == nil || strings.TrimSpace(message) == "" {
		return nil
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	seq, err := s.searcher.Search(ctx, message, identity)
	if err != nil {
		s.logger.Warn("history search unavailable, continuing without context",
			slog.String("identity", string(identity)),
			slog.Any("error", err))
		s.metrics.ObserveProviderError("search", reliability.Code(err))
		return nil
	}
	return Pack(seq, budget)
}

// Pack accumulates turns from a ranked sequence until the next one would not fit.
// The budget counts characters, not bytes.
func Pack(seq iter.Seq[memory.Turn], budget int) []memory.Turn {
	var (
		out  []memory.Turn
		used int
	)
	for turn := range seq {
		n := utf8.RuneCountInString(turn.Serialized())
		if used+n > budget {
			break
		}
		used += n
		out = append(out, turn)
	}
	return out
}

// Render concatenates the serialized form of each turn in order.
func Render(turns []memory.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.Serialized())
	}
	return b.String()
}
