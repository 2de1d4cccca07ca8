package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/config"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/session"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.MetricsNamespace = fmt.Sprintf("flint_test_%d", time.Now().UnixNano())
	cfg.SQLitePath = filepath.Join(t.TempDir(), "flint.db")
	cfg.BrainMode = "mock"
	cfg.TwilioValidate = false
	return cfg
}

func TestBuildConversesAndRestoresAfterRestart(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	res, err := Build(ctx, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "mock", res.Chain.Name())
	assert.Equal(t, 0, res.Bootstrap.Identities)

	identity, _, err := res.Store.ResolveIdentity(ctx, "whatsapp:+15551234")
	require.NoError(t, err)
	reply, err := res.Pipeline.Converse(ctx, identity, "remember the blue door")
	require.NoError(t, err)
	assert.Contains(t, reply, "remember the blue door")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, res.Cleanup(shutdownCtx))

	store, err := OpenStore(ctx, cfg, nil)
	require.NoError(t, err)
	defer store.Close()

	sessions := session.NewStore(cfg.SessionWindow, nil)
	report, err := Bootstrap(ctx, store, sessions, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Restored)
	turns := sessions.GetOrCreate(identity).Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, "remember the blue door", turns[0].UserMessage)
}

func TestBuildRejectsUnknownBrainMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.BrainMode = "telepathy"
	_, err := Build(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telepathy")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"k":"v"`)
}

type fakeDrainer struct{ err error }

func (f fakeDrainer) Drain(context.Context) error { return f.err }

type fakeQueue struct{ err error }

func (f fakeQueue) Close(context.Context) error { return f.err }

type fakeStore struct{ closed bool }

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

func TestShutdownLeavesStoreOpenWhenDrainTimesOut(t *testing.T) {
	store := &fakeStore{}
	err := shutdown(context.Background(), fakeDrainer{err: context.DeadlineExceeded}, fakeQueue{}, store)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrStoreLeftOpen)
	assert.False(t, store.closed)

	store = &fakeStore{}
	err = shutdown(context.Background(), fakeDrainer{}, fakeQueue{err: context.DeadlineExceeded}, store)
	assert.ErrorIs(t, err, ErrStoreLeftOpen)
	assert.False(t, store.closed)
}

func TestShutdownClosesStoreAfterDrain(t *testing.T) {
	store := &fakeStore{}
	require.NoError(t, shutdown(context.Background(), fakeDrainer{}, fakeQueue{}, store))
	assert.True(t, store.closed)

	failing := errors.New("close failed")
	err := shutdown(context.Background(), fakeDrainer{}, fakeQueue{}, closerFunc(func() error { return failing }))
	assert.ErrorIs(t, err, failing)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
