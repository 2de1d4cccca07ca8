package prompt

import (
	"strings"

	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/history"
	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/memory"
)

// SystemPrompt is the assistant persona given to every model call.
const SystemPrompt = "You are Flint, a friendly, smart and helpful personal assistant. " +
	"Use your general knowledge and our past conversations to provide assistance."

const (
	historyPreamble = "Given the following conversation history, answer the query.\n\n"
	queryDelimiter  = "\nNow, answer this query: "
)

// Assemble builds the model prompt. With no history the message is returned
// unchanged; otherwise the history is embedded verbatim ahead of the query.
func Assemble(message string, packed []memory.Turn) string {
	if len(packed) == 0 {
		return message
	}
	rendered := history.Render(packed)
	var b strings.Builder
	b.Grow(len(historyPreamble) + len(rendered) + len(queryDelimiter) + len(message))
	b.WriteString(historyPreamble)
	b.WriteString(rendered)
	b.WriteString(queryDelimiter)
	b.WriteString(message)
	return b.String()
}
