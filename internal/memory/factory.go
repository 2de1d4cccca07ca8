package memory

import (
	"context"
	"iter"
	"log/slog"
	"strings"
)

// Options selects the backend and the relevance search strategy.
type Options struct {
	DatabaseURL string
	SQLitePath  string
	// SearchMode is "embedding" or "lexical".
	SearchMode string
	Embedder   Embedder
	Candidates int
	MinScore   float64
	Logger     *slog.Logger
}

// NewStore creates a postgres-backed store when a database URL is set, a
// sqlite store when a path is set, otherwise an in-memory one.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	var (
		base Store
		err  error
	)
	switch {
	case strings.TrimSpace(opts.DatabaseURL) != "":
		base, err = NewPostgresStore(ctx, opts.DatabaseURL)
	case strings.TrimSpace(opts.SQLitePath) != "":
		base, err = NewSQLiteStore(opts.SQLitePath)
	default:
		base = NewInMemoryStore()
	}
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(strings.TrimSpace(opts.SearchMode), "lexical") {
		return base, nil
	}
	return WithSearcher(base, NewEmbeddingSearcher(base, opts.Embedder, opts.Candidates, opts.MinScore).WithLogger(opts.Logger)), nil
}

type searchOverride struct {
	Store
	searcher Searcher
}

// WithSearcher returns store with its Search replaced by searcher.
func WithSearcher(store Store, searcher Searcher) Store {
	return &searchOverride{Store: store, searcher: searcher}
}

func (s *searchOverride) Search(ctx context.Context, query string, identity Identity) (iter.Seq[Turn], error) {
	return s.searcher.Search(ctx, query, identity)
}
