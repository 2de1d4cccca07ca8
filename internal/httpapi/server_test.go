package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/config"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/memory"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/pipeline"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/session"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/sms"
)

type fakeConversation struct {
	mu       sync.Mutex
	inbound  []pipeline.Inbound
	converse []string
	release  chan struct{}
	err      error
}

func (f *fakeConversation) Respond(ctx context.Context, in pipeline.Inbound) (pipeline.Result, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.inbound = append(f.inbound, in)
	f.mu.Unlock()
	return pipeline.Result{Reply: "ok"}, f.err
}

func (f *fakeConversation) Converse(_ context.Context, _ memory.Identity, text string) (string, error) {
	f.mu.Lock()
	f.converse = append(f.converse, text)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return "echo: " + text, nil
}

func (f *fakeConversation) received() []pipeline.Inbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Inbound(nil), f.inbound...)
}

func newTestServer(t *testing.T, cfg config.Config, convo *fakeConversation, validator *sms.Validator) (*Server, *memory.InMemoryStore) {
	t.Helper()
	store := memory.NewInMemoryStore()
	srv := New(cfg, Deps{
		Conversation: convo,
		Directory:    store,
		Validator:    validator,
		Sessions:     session.NewStore(10, nil),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Drain(ctx)
	})
	return srv, store
}

func postForm(t *testing.T, h http.Handler, path string, form url.Values, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, config.Default(), &fakeConversation{}, nil)
	h := srv.Router()

	for _, path := range []string{"/api/health", "/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestWebhookAcknowledgesAndDispatches(t *testing.T) {
	convo := &fakeConversation{}
	srv, store := newTestServer(t, config.Default(), convo, nil)

	form := url.Values{
		"From":              {"whatsapp:+15551234"},
		"To":                {"whatsapp:+15550000"},
		"Body":              {"hi"},
		"MediaUrl0":         {"https://media.example/1"},
		"MediaContentType0": {"audio/ogg"},
	}
	rec := postForm(t, srv.Router(), "/api/chat", form, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Drain(ctx))

	got := convo.received()
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Body)
	assert.Equal(t, "whatsapp:+15551234", got[0].From)
	assert.Equal(t, "whatsapp:+15550000", got[0].To)
	assert.Equal(t, "https://media.example/1", got[0].MediaURL)
	assert.Equal(t, "audio/ogg", got[0].MediaContentType)

	want, created, err := store.ResolveIdentity(context.Background(), "whatsapp:+15551234")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, want, got[0].Identity)
}

func TestWebhookRespondsBeforePipelineFinishes(t *testing.T) {
	convo := &fakeConversation{release: make(chan struct{})}
	srv, _ := newTestServer(t, config.Default(), convo, nil)

	rec := postForm(t, srv.Router(), "/api/chat", url.Values{"From": {"+1555"}, "Body": {"slow"}}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, convo.received())

	close(convo.release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Drain(ctx))
	assert.Len(t, convo.received(), 1)
}

func TestWebhookRequiresFrom(t *testing.T) {
	srv, _ := newTestServer(t, config.Default(), &fakeConversation{}, nil)
	rec := postForm(t, srv.Router(), "/api/chat", url.Values{"Body": {"hi"}}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	cfg := config.Default()
	cfg.PublicBaseURL = "https://flint.example"
	convo := &fakeConversation{}
	srv, _ := newTestServer(t, cfg, convo, sms.NewValidator("secret", true))

	header := http.Header{}
	header.Set(sms.SignatureHeader, "bogus")
	rec := postForm(t, srv.Router(), "/api/chat", url.Values{"From": {"+1555"}, "Body": {"hi"}}, header)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid_signature", body.Code)
	assert.Empty(t, convo.received())
}

func TestDevRoutesOnlyInDebug(t *testing.T) {
	srv, _ := newTestServer(t, config.Default(), &fakeConversation{}, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/dev/chat?Body=hi", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDevChatReturnsReply(t *testing.T) {
	cfg := config.Default()
	cfg.Debug = true
	convo := &fakeConversation{}
	srv, _ := newTestServer(t, cfg, convo, nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/dev/chat?Body=hello", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "echo: hello", body["reply"])
}

func TestDevChatErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Debug = true

	srv, _ := newTestServer(t, cfg, &fakeConversation{}, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/dev/chat", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	srv, _ = newTestServer(t, cfg, &fakeConversation{err: errors.New("model down")}, nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/dev/chat?Body=hi", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestDevChatWebsocket(t *testing.T) {
	cfg := config.Default()
	cfg.Debug = true
	srv, _ := newTestServer(t, cfg, &fakeConversation{}, nil)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/dev/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(devMessage{Message: "ping"}))
	var out devReply
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "echo: ping", out.Reply)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("plain")))
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "echo: plain", out.Reply)
}

func TestSameOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://flint.local/api/dev/chat/ws", nil)
	assert.True(t, sameOrigin(req))

	req.Header.Set("Origin", "http://flint.local")
	assert.True(t, sameOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, sameOrigin(req))

	req.Header.Set("Origin", "file://flint.local")
	assert.False(t, sameOrigin(req))
}

func TestPerfLatency(t *testing.T) {
	srv, _ := newTestServer(t, config.Default(), &fakeConversation{}, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/perf/latency?reset=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "generated_at")
}
