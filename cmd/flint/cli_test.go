package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/memory"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/session"
)

func TestRootCommandHasSubcommands(t *testing.T) {
	root := buildRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["history"])
	assert.True(t, names["bootstrap"])
}

func TestHistoryRequiresAddress(t *testing.T) {
	root := buildRootCommand()
	root.SetArgs([]string{"history"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	require.Error(t, root.Execute())
}

func TestHistoryWithSQLite(t *testing.T) {
	path := t.TempDir() + "/flint.db"
	store, err := memory.NewSQLiteStore(path)
	require.NoError(t, err)
	ctx := t.Context()
	id, _, err := store.ResolveIdentity(ctx, "+15551234")
	require.NoError(t, err)
	require.NoError(t, store.SaveTurn(ctx, memory.Turn{Identity: id, UserMessage: "hi", BotMessage: "hello"}))
	require.NoError(t, store.Close())

	t.Setenv("SQLITE_PATH", path)
	t.Setenv("TWILIO_VALIDATE", "false")
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	root := buildRootCommand()
	root.SetArgs([]string{"history", "whatsapp:+15551234"})
	root.SetOut(&out)
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Human: hi")
	assert.Contains(t, out.String(), "Assistant: hello")
}

func TestPrintTurnsRedactsByDefault(t *testing.T) {
	turns := []memory.Turn{{
		UserMessage: "mail me at someone@example.com",
		BotMessage:  "ok",
		Kind:        memory.KindText,
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}}

	var redacted, raw bytes.Buffer
	printTurns(&redacted, turns, false)
	printTurns(&raw, turns, true)
	assert.NotContains(t, redacted.String(), "someone@example.com")
	assert.Contains(t, raw.String(), "someone@example.com")
	assert.Contains(t, raw.String(), "2026-01-02T03:04:05Z [text]")
}

func TestPrintReportListsFailures(t *testing.T) {
	var out bytes.Buffer
	printReport(&out, session.Report{
		Identities: 2,
		Restored:   1,
		Turns:      4,
		Failures:   []session.BootstrapFailure{{Identity: "carol", Err: errors.New("disk")}},
	})
	assert.Contains(t, out.String(), "restored:   1")
	assert.Contains(t, out.String(), "bootstrap carol: disk")
}
