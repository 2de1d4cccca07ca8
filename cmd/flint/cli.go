package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/app"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/config"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/memory"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/policy"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/session"
)

func buildRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "flint",
		Short: "SMS and WhatsApp assistant bridge with conversation memory",
		Long: strings.TrimSpace(`flint answers text and voice messages from a messaging webhook.

Each reply is built from the sender's recent turns plus the most relevant
older turns, and every exchange is written to durable storage.`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newServeCommand())
	root.AddCommand(newHistoryCommand())
	root.AddCommand(newBootstrapCommand())
	return root
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config error: %w", err)
	}
	logger := app.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the webhook server",
		Example: "  flint serve --addr :8488",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(addr) != "" {
				cfg.BindAddr = addr
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides APP_BIND_ADDR)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           res.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", cfg.BindAddr), slog.Bool("debug", cfg.Debug))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err, ok := <-listenErr:
		if ok {
			runErr = fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
		_ = httpServer.Close()
	}
	if err := res.Cleanup(shutdownCtx); err != nil {
		logger.Warn("cleanup incomplete", slog.Any("error", err))
	}
	logger.Info("shutdown complete")
	return runErr
}

func newHistoryCommand() *cobra.Command {
	var (
		limit int
		raw   bool
	)

	cmd := &cobra.Command{
		Use:   "history <address>",
		Short: "Print the most recent stored turns for a sender",
		Example: strings.Join([]string{
			"  flint history whatsapp:+15551234",
			"  flint history +15551234 --limit 20 --raw",
		}, "\n"),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := app.OpenStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			identity, created, err := store.ResolveIdentity(ctx, args[0])
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "no history for %s\n", args[0])
				return nil
			}
			turns, err := store.RecentTurns(ctx, identity, limit)
			if err != nil {
				return err
			}
			printTurns(cmd.OutOrStdout(), turns, raw)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of turns to show")
	cmd.Flags().BoolVar(&raw, "raw", false, "Show messages without redaction")
	return cmd
}

func printTurns(w io.Writer, turns []memory.Turn, raw bool) {
	for _, t := range turns {
		user, bot := t.UserMessage, t.BotMessage
		if !raw {
			user, bot = policy.Preview(user, 200), policy.Preview(bot, 200)
		}
		fmt.Fprintf(w, "%s [%s]\n  Human: %s\n  Assistant: %s\n",
			t.CreatedAt.Format(time.RFC3339), t.Kind, user, bot)
	}
}

func newBootstrapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Rebuild session windows from storage and report the result",
		Long:  "Runs the same restore the server performs at startup, without serving traffic.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := app.OpenStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := app.Bootstrap(ctx, store, session.NewStore(cfg.SessionWindow, logger), cfg.BootstrapConcurrency)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			if len(report.Failures) > 0 {
				return fmt.Errorf("%d identities failed to load", len(report.Failures))
			}
			return nil
		},
	}
}

func printReport(w io.Writer, report session.Report) {
	fmt.Fprintf(w, "identities: %d\nrestored:   %d\nturns:      %d\nduration:   %s\n",
		report.Identities, report.Restored, report.Turns, report.Duration.Round(time.Millisecond))
	for _, f := range report.Failures {
		fmt.Fprintf(w, "failed:     %s\n", f.Error())
	}
}
