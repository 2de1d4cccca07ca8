package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/brain"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/history"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/memory"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/session"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/sms"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/transcribe"
)

type recordingChain struct {
	mu       sync.Mutex
	requests []brain.Request
	reply    func(req brain.Request) (string, error)
}

func (c *recordingChain) Name() string { return "recording" }

func (c *recordingChain) Invoke(_ context.Context, req brain.Request) (string, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	if c.reply != nil {
		return c.reply(req)
	}
	return "ok: " + req.Prompt[strings.LastIndex(req.Prompt, " ")+1:], nil
}

type harness struct {
	store     *memory.InMemoryStore
	sessions  *session.Store
	chain     *recordingChain
	sender    *sms.MockSender
	persister *Persister
	pipeline  *Pipeline
}

func newHarness(t *testing.T, windowSize int, transcriber transcribe.Transcriber) *harness {
	t.Helper()
	h := &harness{
		store:    memory.NewInMemoryStore(),
		sessions: session.NewStore(windowSize, nil),
		chain:    &recordingChain{},
		sender:   sms.NewMockSender(),
	}
	h.persister = NewPersister(h.store, 64, 2, nil, nil)
	searcher := memory.NewEmbeddingSearcher(h.store, memory.NewChargramEmbedder(), 50, 0)
	h.pipeline = New(Deps{
		Sessions:    h.sessions,
		Selector:    history.NewSelector(searcher),
		Chain:       h.chain,
		Transcriber: transcriber,
		Sender:      h.sender,
		Persister:   h.persister,
	}, Config{StageTimeout: 2 * time.Second})
	t.Cleanup(func() { _ = h.persister.Close(context.Background()) })
	return h
}

func TestHandleEndToEndUsesHistoryAndAppends(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10, nil)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, h.store.SaveTurn(ctx, memory.Turn{Identity: "U", UserMessage: "hi", BotMessage: "hello", CreatedAt: base}))
	require.NoError(t, h.store.SaveTurn(ctx, memory.Turn{Identity: "U", UserMessage: "how are you", BotMessage: "good", CreatedAt: base.Add(time.Minute)}))
	report := h.sessions.Bootstrap(ctx, h.store, []memory.Identity{"U"}, 1)
	require.Empty(t, report.Failures)

	res, err := h.pipeline.Handle(ctx, Inbound{Identity: "U", From: "whatsapp:+1555", To: "whatsapp:+1999", Body: "what did I say first"})
	require.NoError(t, err)
	assert.Equal(t, memory.KindText, res.Kind)

	require.Len(t, h.chain.requests, 1)
	req := h.chain.requests[0]
	assert.Contains(t, req.Prompt, "Human: hi\nAssistant: hello\n\n")
	assert.Contains(t, req.Prompt, "Human: how are you\nAssistant: good\n\n")
	assert.True(t, strings.HasSuffix(req.Prompt, "Now, answer this query: what did I say first"))
	require.Len(t, req.Memory, 2, "short-term memory is passed separately")

	window := h.sessions.GetOrCreate("U").Turns()
	require.Len(t, window, 3)
	assert.Equal(t, "what did I say first", window[2].UserMessage, "stored message is the raw text, not the prompt")
	assert.Equal(t, res.Reply, window[2].BotMessage)

	sent := h.sender.Messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "whatsapp:+1555", sent[0].To)
	assert.Equal(t, "whatsapp:+1999", sent[0].From)

	require.NoError(t, h.persister.Close(ctx))
	durable, err := h.store.RecentTurns(ctx, "U", 10)
	require.NoError(t, err)
	require.Len(t, durable, 3)
	assert.Equal(t, window[2].ID, durable[2].ID)
}

func TestHandleModelFailureAppendsNothingAndApologizes(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.chain.reply = func(brain.Request) (string, error) { return "", errors.New("model down") }

	_, err := h.pipeline.Respond(context.Background(), Inbound{Identity: "U", From: "+1", To: "+2", Body: "hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelInvocation)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "model_invoked", stageErr.Stage)

	assert.Zero(t, h.sessions.GetOrCreate("U").Len())
	sent := h.sender.Messages()
	require.Len(t, sent, 1)
	assert.Equal(t, DefaultApology, sent[0].Body)
}

func TestHandleVoiceMessageTranscribes(t *testing.T) {
	tr := &transcribe.MockTranscriber{Text: "remind me about lunch"}
	h := newHarness(t, 10, tr)

	res, err := h.pipeline.Handle(context.Background(), Inbound{
		Identity: "U", From: "+1", To: "+2",
		MediaURL: "https://media.example/1", MediaContentType: "audio/ogg",
	})
	require.NoError(t, err)
	assert.Equal(t, memory.KindVoice, res.Kind)
	assert.Equal(t, 1, tr.Calls)
	window := h.sessions.GetOrCreate("U").Turns()
	require.Len(t, window, 1)
	assert.Equal(t, "remind me about lunch", window[0].UserMessage)
	assert.Equal(t, memory.KindVoice, window[0].Kind)
}

func TestHandleTranscriptionFailureAborts(t *testing.T) {
	h := newHarness(t, 10, &transcribe.MockTranscriber{Err: errors.New("bad audio")})

	_, err := h.pipeline.Respond(context.Background(), Inbound{
		Identity: "U", From: "+1", To: "+2",
		MediaURL: "https://media.example/1", MediaContentType: "audio/amr",
	})
	assert.ErrorIs(t, err, ErrTranscription)
	assert.Empty(t, h.chain.requests)
	assert.Zero(t, h.sessions.GetOrCreate("U").Len())
	require.Len(t, h.sender.Messages(), 1)
}

func TestHandleImageMediaUsesBody(t *testing.T) {
	tr := &transcribe.MockTranscriber{Text: "unused"}
	h := newHarness(t, 10, tr)
	_, err := h.pipeline.Handle(context.Background(), Inbound{
		Identity: "U", From: "+1", To: "+2", Body: "look at this",
		MediaURL: "https://media.example/2", MediaContentType: "image/png",
	})
	require.NoError(t, err)
	assert.Zero(t, tr.Calls)
}

func TestHandleChunksLongReplies(t *testing.T) {
	h := newHarness(t, 10, nil)
	long := strings.Repeat("z", 3500)
	h.chain.reply = func(brain.Request) (string, error) { return long, nil }

	res, err := h.pipeline.Handle(context.Background(), Inbound{Identity: "U", From: "+1", To: "+2", Body: "essay"})
	require.NoError(t, err)
	require.Len(t, res.Delivery.Chunks, 3)
	sent := h.sender.Messages()
	require.Len(t, sent, 3)
	assert.Len(t, sent[0].Body, 1600)
	assert.Len(t, sent[1].Body, 1600)
	assert.Len(t, sent[2].Body, 300)
}

func TestHandleDeliveryFailureReportsChunks(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.chain.reply = func(brain.Request) (string, error) { return strings.Repeat("y", 3300), nil }
	h.sender.FailAt = map[int]error{1: errors.New("rejected")}

	res, err := h.pipeline.Respond(context.Background(), Inbound{Identity: "U", From: "+1", To: "+2", Body: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDelivery)
	assert.Equal(t, []int{1}, res.Delivery.Failed())
	assert.Equal(t, 1, h.sessions.GetOrCreate("U").Len(), "reply was computed, so the turn is kept")
	assert.Len(t, h.sender.Messages(), 2, "no apology after a delivery failure")
}

func TestHandleEmptyMessage(t *testing.T) {
	h := newHarness(t, 10, nil)
	_, err := h.pipeline.Handle(context.Background(), Inbound{Identity: "U", From: "+1", To: "+2", Body: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestConcurrentHandlesSameIdentityKeepOrder(t *testing.T) {
	h := newHarness(t, 100, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.pipeline.Converse(context.Background(), "U", fmt.Sprintf("message %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	window := h.sessions.GetOrCreate("U").Turns()
	require.Len(t, window, 20)
	seen := map[string]bool{}
	for i, turn := range window {
		assert.False(t, seen[turn.UserMessage], "duplicate turn")
		seen[turn.UserMessage] = true
		if i > 0 {
			assert.False(t, turn.CreatedAt.Before(window[i-1].CreatedAt))
		}
	}
}

func TestDifferentIdentitiesDoNotBlockEachOther(t *testing.T) {
	h := newHarness(t, 10, nil)
	release := make(chan struct{})
	h.chain.reply = func(req brain.Request) (string, error) {
		if strings.HasSuffix(req.Prompt, "slow") {
			<-release
		}
		return "done", nil
	}

	slowDone := make(chan error, 1)
	go func() {
		_, err := h.pipeline.Converse(context.Background(), "A", "slow")
		slowDone <- err
	}()

	fastDone := make(chan error, 1)
	go func() {
		_, err := h.pipeline.Converse(context.Background(), "B", "fast")
		fastDone <- err
	}()

	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("identity B was blocked by identity A")
	}
	close(release)
	require.NoError(t, <-slowDone)
}

func TestPersisterReportsFailures(t *testing.T) {
	var (
		mu   sync.Mutex
		errs []error
	)
	p := NewPersister(failingLog{}, 4, 1, nil, nil)
	p.OnDone = func(_ memory.Turn, err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	require.NoError(t, p.Submit(memory.Turn{ID: "t1", Identity: "U"}))
	require.NoError(t, p.Close(context.Background()))
	assert.ErrorIs(t, p.Submit(memory.Turn{ID: "t2"}), ErrPersisterClosed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	assert.Error(t, errs[0])
}

type orderedLog struct {
	failingLog
	mu    sync.Mutex
	saved map[memory.Identity][]string
}

func (l *orderedLog) SaveTurn(_ context.Context, turn memory.Turn) error {
	// jitter so workers interleave
	time.Sleep(time.Duration(len(turn.ID)%3) * time.Millisecond)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saved[turn.Identity] = append(l.saved[turn.Identity], turn.ID)
	return nil
}

func TestPersisterKeepsPerIdentityOrder(t *testing.T) {
	log := &orderedLog{saved: map[memory.Identity][]string{}}
	p := NewPersister(log, 256, 4, nil, nil)

	identities := []memory.Identity{"U", "V", "W", "X", "Y"}
	want := map[memory.Identity][]string{}
	for i := 0; i < 30; i++ {
		for _, id := range identities {
			turnID := fmt.Sprintf("%s-%d", id, i)
			want[id] = append(want[id], turnID)
			require.NoError(t, p.Submit(memory.Turn{ID: turnID, Identity: id}))
		}
	}
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, 0, p.Pending())

	log.mu.Lock()
	defer log.mu.Unlock()
	for _, id := range identities {
		assert.Equal(t, want[id], log.saved[id], "identity %s", id)
	}
}

type failingLog struct{}

func (failingLog) SaveTurn(context.Context, memory.Turn) error { return errors.New("disk full") }
func (failingLog) RecentTurns(context.Context, memory.Identity, int) ([]memory.Turn, error) {
	return nil, nil
}
func (failingLog) Identities(context.Context) ([]memory.Identity, error) { return nil, nil }
