package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/brain"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/config"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/history"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/httpapi"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/memory"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/observability"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/pipeline"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/session"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/sms"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/transcribe"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Store     memory.Store
	Sessions  *session.Store
	Pipeline  *pipeline.Pipeline
	Persister *pipeline.Persister
	Chain     brain.Chain
	Metrics   *observability.Metrics
	Bootstrap session.Report

	// Cleanup drains background work and closes the store. Call it once on shutdown.
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	chain, err := brain.NewChain(brain.Config{
		Mode:            cfg.BrainMode,
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		OpenAIBaseURL:   cfg.OpenAIBaseURL,
		OpenAIModel:     cfg.OpenAIModel,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		AnthropicModel:  cfg.AnthropicModel,
		HTTPURL:         cfg.BrainHTTPURL,
		Temperature:     cfg.OpenAITemperature,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("chain init failed: %w", err)
	}
	logger.Info("conversation chain ready", slog.String("chain", chain.Name()))

	sessions := session.NewStore(cfg.SessionWindow, logger)
	report, err := Bootstrap(ctx, store, sessions, cfg.BootstrapConcurrency)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	metrics.SetSessions(sessions.Count())

	selector := history.NewSelector(store,
		history.WithBudget(cfg.HistoryBudget),
		history.WithTimeout(cfg.SearchTimeout),
		history.WithLogger(logger),
		history.WithMetrics(metrics),
	)

	persister := pipeline.NewPersister(store, cfg.PersistQueueSize, cfg.PersistWorkers, logger, metrics)

	var transcriber transcribe.Transcriber
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		transcriber = transcribe.NewWhisperTranscriber(transcribe.WhisperConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.TranscribeModel,
			MediaUser:  cfg.TwilioAccountSID,
			MediaToken: cfg.TwilioAuthToken,
		})
	} else {
		logger.Warn("OPENAI_API_KEY not set; voice messages will be answered with an apology")
	}

	var sender sms.Sender
	if cfg.TwilioConfigured() {
		sender = sms.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, logger)
	} else {
		logger.Warn("twilio credentials not set; replies are recorded but not sent")
		sender = sms.NewMockSender()
	}

	pipe := pipeline.New(pipeline.Deps{
		Sessions:    sessions,
		Selector:    selector,
		Chain:       chain,
		Transcriber: transcriber,
		Sender:      sender,
		Persister:   persister,
		Metrics:     metrics,
		Logger:      logger,
	}, pipeline.Config{
		HistoryBudget: cfg.HistoryBudget,
		ChunkSize:     cfg.ChunkSize,
		StageTimeout:  cfg.StageTimeout,
		Apology:       cfg.ApologyMessage,
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Conversation: pipe,
		Directory:    store,
		Validator:    sms.NewValidator(cfg.TwilioAuthToken, cfg.TwilioValidate),
		Sessions:     sessions,
		Metrics:      metrics,
		Logger:       logger,
	})

	cleanup := func(ctx context.Context) error {
		return shutdown(ctx, api, persister, store)
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Store:     store,
		Sessions:  sessions,
		Pipeline:  pipe,
		Persister: persister,
		Chain:     chain,
		Metrics:   metrics,
		Bootstrap: report,
		Cleanup:   cleanup,
	}, nil
}

// ErrStoreLeftOpen reports that shutdown skipped closing the store because
// background writers were still running at the deadline.
var ErrStoreLeftOpen = errors.New("store left open: background work still running")

type drainer interface {
	Drain(ctx context.Context) error
}

type queueCloser interface {
	Close(ctx context.Context) error
}

// shutdown drains in-flight replies, then the persist queue, and closes the
// store only when both finished before ctx expired.
func shutdown(ctx context.Context, api drainer, persister queueCloser, store io.Closer) error {
	var errs []error
	if err := api.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain inflight replies: %w", err))
	}
	if err := persister.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain persist queue: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(append(errs, ErrStoreLeftOpen)...)
	}
	if err := store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// OpenStore opens the durable store selected by cfg with its search strategy.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (memory.Store, error) {
	return memory.NewStore(ctx, memory.Options{
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
		SearchMode:  cfg.SearchMode,
		Embedder:    memory.NewEmbedder(cfg.EmbeddingProvider, cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel),
		Candidates:  cfg.SearchCandidates,
		MinScore:    cfg.SearchMinScore,
		Logger:      logger,
	})
}

// Bootstrap restores every known identity's window from store.
func Bootstrap(ctx context.Context, store memory.Store, sessions *session.Store, concurrency int) (session.Report, error) {
	identities, err := store.Identities(ctx)
	if err != nil {
		return session.Report{}, fmt.Errorf("list identities: %w", err)
	}
	return sessions.Bootstrap(ctx, store, identities, concurrency), nil
}
