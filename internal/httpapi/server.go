package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/config"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/memory"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/observability"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/pipeline"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/policy"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/session"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/sms"
)

// Conversation is the pipeline surface the HTTP layer drives.
type Conversation interface {
	Respond(ctx context.Context, in pipeline.Inbound) (pipeline.Result, error)
	Converse(ctx context.Context, identity memory.Identity, text string) (string, error)
}

const devAddress = "dev"

type Server struct {
	cfg       config.Config
	convo     Conversation
	directory memory.Directory
	validator *sms.Validator
	sessions  *session.Store
	metrics   *observability.Metrics
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	// background work outlives the webhook request that started it
	baseCtx  context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

type Deps struct {
	Conversation Conversation
	Directory    memory.Directory
	Validator    *sms.Validator
	Sessions     *session.Store
	Metrics      *observability.Metrics
	Logger       *slog.Logger
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		convo:     deps.Conversation,
		directory: deps.Directory,
		validator: deps.Validator,
		sessions:  deps.Sessions,
		metrics:   deps.Metrics,
		logger:    logger,
		baseCtx:   ctx,
		cancel:    cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     sameOrigin,
		},
	}
}

// sameOrigin only admits browser websocket connections from this host.
// Non-browser clients that omit Origin are allowed.
func sameOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		r.Get("/perf/latency", s.handlePerfLatency)
		r.Post("/chat", s.handleWebhook)
		if s.cfg.Debug {
			r.Post("/dev/chat", s.handleDevChat)
			r.Get("/dev/chat/ws", s.handleDevChatWS)
		}
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	sessions := 0
	if s.sessions != nil {
		sessions = s.sessions.Count()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"sessions": sessions,
		"debug":    s.cfg.Debug,
	})
}

// handleWebhook acknowledges the provider immediately and runs the
// pipeline in the background.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_form", err.Error())
		return
	}
	if !s.validator.Validate(s.cfg.PublicBaseURL+r.URL.RequestURI(), r.PostForm, r.Header.Get(sms.SignatureHeader)) {
		s.logger.Warn("webhook signature rejected", slog.String("remote", r.RemoteAddr))
		respondError(w, http.StatusForbidden, "invalid_signature", "request signature did not validate")
		return
	}

	in := pipeline.Inbound{
		From:             strings.TrimSpace(r.PostForm.Get("From")),
		To:               strings.TrimSpace(r.PostForm.Get("To")),
		Body:             r.PostForm.Get("Body"),
		MediaURL:         strings.TrimSpace(r.PostForm.Get("MediaUrl0")),
		MediaContentType: strings.TrimSpace(r.PostForm.Get("MediaContentType0")),
	}
	if in.From == "" {
		respondError(w, http.StatusBadRequest, "missing_from", "form field From is required")
		return
	}
	identity, created, err := s.directory.ResolveIdentity(r.Context(), in.From)
	if err != nil {
		s.logger.Error("identity resolution failed", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "identity_unavailable", "could not resolve sender")
		return
	}
	in.Identity = identity
	if created {
		s.logger.Info("new user registered", slog.String("identity", string(identity)))
	}
	s.logger.Info("inbound message",
		slog.String("identity", string(identity)),
		slog.Bool("media", in.MediaURL != ""),
		slog.String("body", policy.Preview(in.Body, 60)))

	s.dispatch(in)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) dispatch(in pipeline.Inbound) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if _, err := s.convo.Respond(s.baseCtx, in); err != nil {
			s.logger.Warn("pipeline invocation failed",
				slog.String("identity", string(in.Identity)),
				slog.Any("error", err))
		}
	}()
}

// Drain waits for background invocations until ctx is done, then cancels them.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Server) handleDevChat(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("Body")
	if text == "" {
		_ = r.ParseForm()
		text = r.PostForm.Get("Body")
	}
	if strings.TrimSpace(text) == "" {
		respondError(w, http.StatusBadRequest, "missing_body", "query parameter Body is required")
		return
	}
	identity, _, err := s.directory.ResolveIdentity(r.Context(), devAddress)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "identity_unavailable", err.Error())
		return
	}
	reply, err := s.convo.Converse(r.Context(), identity, text)
	if err != nil {
		respondError(w, statusFor(err), "pipeline_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

type devMessage struct {
	Message string `json:"message"`
}

type devReply struct {
	Reply string `json:"reply,omitempty"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleDevChatWS(w http.ResponseWriter, r *http.Request) {
	identity, _, err := s.directory.ResolveIdentity(r.Context(), devAddress)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "identity_unavailable", err.Error())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(64 << 10)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		text := string(data)
		var msg devMessage
		if json.Unmarshal(data, &msg) == nil && msg.Message != "" {
			text = msg.Message
		}

		var out devReply
		if reply, err := s.convo.Converse(r.Context(), identity, text); err != nil {
			out.Error = err.Error()
		} else {
			out.Reply = reply
		}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(out); err != nil {
			return
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
