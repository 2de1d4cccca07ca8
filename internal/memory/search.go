package memory

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync/atomic"
)

// EmbeddingSearcher ranks a user's stored turns by cosine similarity to the query.
type EmbeddingSearcher struct {
	source     CandidateSource
	embedder   Embedder
	candidates int
	minScore   float64
	logger     *slog.Logger

	cacheWriteFailures atomic.Int64
}

func NewEmbeddingSearcher(source CandidateSource, embedder Embedder, candidates int, minScore float64) *EmbeddingSearcher {
	if embedder == nil {
		embedder = NewChargramEmbedder()
	}
	if candidates <= 0 {
		candidates = 200
	}
	return &EmbeddingSearcher{
		source:     source,
		embedder:   embedder,
		candidates: candidates,
		minScore:   minScore,
		logger:     slog.Default(),
	}
}

// WithLogger sets the logger used for cache write failures.
func (s *EmbeddingSearcher) WithLogger(logger *slog.Logger) *EmbeddingSearcher {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// CacheWriteFailures counts embeddings that could not be written back.
func (s *EmbeddingSearcher) CacheWriteFailures() int64 {
	return s.cacheWriteFailures.Load()
}

type scoredTurn struct {
	turn  Turn
	score float64
}

func (s *EmbeddingSearcher) Search(ctx context.Context, query string, identity Identity) (iter.Seq[Turn], error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return emptySeq, nil
	}
	turns, err := s.source.CandidateTurns(ctx, identity, s.candidates)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}
	if len(turns) == 0 {
		return emptySeq, nil
	}
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", ErrSearchUnavailable, err)
	}

	model := s.embedder.ModelID()
	scored := make([]scoredTurn, 0, len(turns))
	for _, t := range turns {
		vec := t.Embedding
		if len(vec) != len(queryVec) {
			vec, err = s.embedder.Embed(ctx, t.UserMessage+"\n"+t.BotMessage)
			if err != nil {
				return nil, fmt.Errorf("%w: embed turn %s: %w", ErrSearchUnavailable, t.ID, err)
			}
			if err := s.source.SetEmbedding(ctx, t.ID, model, vec); err != nil {
				s.cacheWriteFailures.Add(1)
				s.logger.Debug("embedding cache write failed",
					slog.String("turn_id", t.ID),
					slog.String("model", model),
					slog.Any("error", err))
			}
		}
		score := cosineSimilarity(queryVec, vec)
		if score < s.minScore {
			continue
		}
		scored = append(scored, scoredTurn{turn: t, score: score})
	}
	return rankedSeq(scored), nil
}

// rankedSeq sorts best-first with newer turns winning ties.
func rankedSeq(scored []scoredTurn) iter.Seq[Turn] {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score == scored[j].score {
			return scored[i].turn.CreatedAt.After(scored[j].turn.CreatedAt)
		}
		return scored[i].score > scored[j].score
	})
	return func(yield func(Turn) bool) {
		for _, s := range scored {
			if !yield(s.turn) {
				return
			}
		}
	}
}

func emptySeq(func(Turn) bool) {}

// SliceSeq adapts an already-ranked slice to a search result.
func SliceSeq(turns []Turn) iter.Seq[Turn] {
	return slices.Values(turns)
}
