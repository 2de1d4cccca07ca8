// Package pipeline runs one inbound message through transcription, history
// selection, prompt assembly, model invocation, persistence and delivery.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/brain"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/history"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/memory"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/observability"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/policy"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/prompt"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/reliability"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/session"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/sms"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/transcribe"
)

const DefaultApology = "Sorry, I couldn't process your message just now. Please try again in a moment."

// Inbound is one message from the transport, already bound to an identity.
type Inbound struct {
	Identity         memory.Identity
	From             string
	To               string
	Body             string
	MediaURL         string
	MediaContentType string
}

// Result describes a completed or partially completed invocation.
type Result struct {
	Reply    string
	Kind     memory.Kind
	Turn     memory.Turn
	Delivery sms.DeliveryReport
}

type Config struct {
	HistoryBudget int
	ChunkSize     int
	StageTimeout  time.Duration
	Apology       string
}

type Pipeline struct {
	sessions    *session.Store
	selector    *history.Selector
	chain       brain.Chain
	transcriber transcribe.Transcriber
	sender      sms.Sender
	persister   *Persister
	metrics     *observability.Metrics
	logger      *slog.Logger
	cfg         Config
}

type Deps struct {
	Sessions    *session.Store
	Selector    *history.Selector
	Chain       brain.Chain
	Transcriber transcribe.Transcriber
	Sender      sms.Sender
	Persister   *Persister
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

func New(deps Deps, cfg Config) *Pipeline {
	if cfg.HistoryBudget <= 0 {
		cfg.HistoryBudget = history.DefaultBudget
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = sms.DefaultChunkSize
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 30 * time.Second
	}
	if strings.TrimSpace(cfg.Apology) == "" {
		cfg.Apology = DefaultApology
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		sessions:    deps.Sessions,
		selector:    deps.Selector,
		chain:       deps.Chain,
		transcriber: deps.Transcriber,
		sender:      deps.Sender,
		persister:   deps.Persister,
		metrics:     deps.Metrics,
		logger:      logger,
		cfg:         cfg,
	}
}

// Handle runs the full pipeline for in and delivers the reply to in.From.
// On failure no turn is appended and the returned error is a *StageError.
func (p *Pipeline) Handle(ctx context.Context, in Inbound) (Result, error) {
	started := time.Now()
	p.metrics.ObserveStage(observability.StageReceived, "ok", 0)
	logger := p.logger.With(slog.String("identity", string(in.Identity)))

	text, kind, err := p.inboundText(ctx, in)
	if err != nil {
		return Result{Kind: kind}, err
	}

	turn, err := p.converse(ctx, in.Identity, text, kind)
	if err != nil {
		return Result{Kind: kind}, err
	}
	res := Result{Reply: turn.BotMessage, Kind: kind, Turn: turn}

	deliverStarted := time.Now()
	deliverCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()
	res.Delivery, err = p.sender.Deliver(deliverCtx, sms.Chunk(turn.BotMessage, p.cfg.ChunkSize), in.From, in.To)
	for _, c := range res.Delivery.Chunks {
		p.metrics.ObserveDeliveryChunk(c.Err == nil)
	}
	if err != nil {
		p.metrics.ObserveStage(observability.StageDelivered, "failed", 0)
		logger.Error("reply delivery failed",
			slog.Any("failed_chunks", res.Delivery.Failed()),
			slog.Int("chunks", len(res.Delivery.Chunks)),
			slog.Any("error", err))
		return res, stageError(observability.StageDelivered, ErrDelivery, err)
	}
	p.metrics.ObserveStage(observability.StageDelivered, "ok", time.Since(deliverStarted))
	p.metrics.ObserveReply(time.Since(started))
	logger.Info("reply delivered",
		slog.String("kind", string(kind)),
		slog.Int("chunks", len(res.Delivery.Chunks)),
		slog.Any("sids", res.Delivery.SIDs()),
		slog.Duration("elapsed", time.Since(started)))
	return res, nil
}

// Respond is Handle plus a best-effort apology when the invocation aborts
// before a reply could be sent, so no message goes unanswered.
func (p *Pipeline) Respond(ctx context.Context, in Inbound) (Result, error) {
	res, err := p.Handle(ctx, in)
	if err == nil || errors.Is(err, ErrDelivery) {
		return res, err
	}
	p.logger.Warn("pipeline aborted, sending apology",
		slog.String("identity", string(in.Identity)),
		slog.Any("error", err))
	apologyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StageTimeout)
	defer cancel()
	if _, sendErr := p.sender.Deliver(apologyCtx, []string{p.cfg.Apology}, in.From, in.To); sendErr != nil {
		p.logger.Error("apology delivery failed",
			slog.String("identity", string(in.Identity)),
			slog.Any("error", sendErr))
	}
	return res, err
}

// Converse runs the pipeline for a text message without delivery and
// returns the reply. Used by the development console.
func (p *Pipeline) Converse(ctx context.Context, identity memory.Identity, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", stageError(observability.StageReceived, ErrEmptyMessage, ErrEmptyMessage)
	}
	turn, err := p.converse(ctx, identity, text, memory.KindText)
	if err != nil {
		return "", err
	}
	return turn.BotMessage, nil
}

func (p *Pipeline) inboundText(ctx context.Context, in Inbound) (string, memory.Kind, error) {
	if in.MediaURL == "" || !transcribe.IsAudio(in.MediaContentType) {
		if strings.TrimSpace(in.Body) == "" {
			return "", memory.KindText, stageError(observability.StageReceived, ErrEmptyMessage, ErrEmptyMessage)
		}
		return in.Body, memory.KindText, nil
	}
	if p.transcriber == nil {
		return "", memory.KindVoice, stageError(observability.StageTranscribed, ErrTranscription, errors.New("no transcriber configured"))
	}

	started := time.Now()
	tctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()
	text, err := p.transcriber.Transcribe(tctx, in.MediaURL, in.MediaContentType)
	if err == nil && strings.TrimSpace(text) == "" {
		err = transcribe.ErrEmptyTranscript
	}
	if err != nil {
		p.metrics.ObserveStage(observability.StageTranscribed, "failed", 0)
		p.metrics.ObserveProviderError("transcription", reliability.Code(err))
		return "", memory.KindVoice, stageError(observability.StageTranscribed, ErrTranscription, err)
	}
	p.metrics.ObserveStage(observability.StageTranscribed, "ok", time.Since(started))
	return text, memory.KindVoice, nil
}

// converse covers history selection through persistence submission. The
// per-identity lock is held only around the window append.
func (p *Pipeline) converse(ctx context.Context, identity memory.Identity, text string, kind memory.Kind) (memory.Turn, error) {
	logger := p.logger.With(slog.String("identity", string(identity)))
	window := p.sessions.GetOrCreate(identity)
	p.metrics.SetSessions(p.sessions.Count())

	started := time.Now()
	selected := p.selector.Select(ctx, text, identity, p.cfg.HistoryBudget)
	p.metrics.ObserveStage(observability.StageHistorySelected, "ok", time.Since(started))
	p.metrics.ObserveHistoryTurns(len(selected))

	assembled := prompt.Assemble(text, selected)
	p.metrics.ObserveStage(observability.StagePromptAssembled, "ok", 0)
	logger.Debug("prompt assembled",
		slog.Int("history_turns", len(selected)),
		slog.Int("prompt_chars", len(assembled)),
		slog.String("message", policy.Preview(text, 80)))

	started = time.Now()
	mctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()
	reply, err := p.chain.Invoke(mctx, brain.Request{Prompt: assembled, Memory: window.Turns()})
	if err == nil && strings.TrimSpace(reply) == "" {
		err = brain.ErrEmptyReply
	}
	if err != nil {
		p.metrics.ObserveStage(observability.StageModelInvoked, "failed", 0)
		p.metrics.ObserveProviderError(p.chain.Name(), reliability.Code(err))
		logger.Error("model invocation failed", slog.String("chain", p.chain.Name()), slog.Any("error", err))
		return memory.Turn{}, stageError(observability.StageModelInvoked, ErrModelInvocation, err)
	}
	p.metrics.ObserveStage(observability.StageModelInvoked, "ok", time.Since(started))

	turn := memory.Turn{
		ID:          uuid.NewString(),
		Identity:    identity,
		UserMessage: text,
		BotMessage:  reply,
		Kind:        kind,
	}
	// Timestamp under the lock so durable order matches window order.
	unlock := p.sessions.Lock(identity)
	turn.CreatedAt = time.Now().UTC()
	p.sessions.Append(identity, turn)
	unlock()

	if p.persister != nil {
		if err := p.persister.Submit(turn); err != nil {
			p.metrics.ObserveStage(observability.StagePersisted, "dropped", 0)
			logger.Error("persist submit failed", slog.String("turn_id", turn.ID), slog.Any("error", err))
		}
	}
	return turn, nil
}
