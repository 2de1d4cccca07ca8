package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/memory"
)

// Loader reads recent turns from durable storage, oldest first.
type Loader interface {
	RecentTurns(ctx context.Context, identity memory.Identity, limit int) ([]memory.Turn, error)
}

// BootstrapFailure records one identity whose history could not be loaded.
type BootstrapFailure struct {
	Identity memory.Identity
	Err      error
}

func (f BootstrapFailure) Error() string {
	return fmt.Sprintf("bootstrap %s: %v", f.Identity, f.Err)
}

func (f BootstrapFailure) Unwrap() error { return f.Err }

// Report summarizes a bootstrap run.
type Report struct {
	Identities int
	Restored   int
	Turns      int
	Failures   []BootstrapFailure
	Duration   time.Duration
}

// Bootstrap rebuilds windows from durable storage. A failing identity is
// recorded and skipped; the others still load. Meant to run before traffic.
func (s *Store) Bootstrap(ctx context.Context, loader Loader, identities []memory.Identity, concurrency int) Report {
	started := time.Now()
	if concurrency <= 0 {
		concurrency = 8
	}
	report := Report{Identities: len(identities)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, identity := range identities {
		g.Go(func() error {
			turns, err := loader.RecentTurns(ctx, identity, s.windowSize)
			if err != nil {
				s.logger.Warn("session bootstrap failed for identity",
					slog.String("identity", string(identity)),
					slog.Any("error", err))
				mu.Lock()
				report.Failures = append(report.Failures, BootstrapFailure{Identity: identity, Err: err})
				mu.Unlock()
				return nil
			}
			w := NewWindow(s.windowSize)
			for _, t := range turns {
				w.Append(t)
			}
			s.replace(identity, w)
			mu.Lock()
			report.Restored++
			report.Turns += w.Len()
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(started)
	s.logger.Info("session bootstrap complete",
		slog.Int("identities", report.Identities),
		slog.Int("restored", report.Restored),
		slog.Int("turns", report.Turns),
		slog.Int("failures", len(report.Failures)),
		slog.Duration("duration", report.Duration))
	return report
}
