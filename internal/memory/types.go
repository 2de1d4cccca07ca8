package memory

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"
)

// Identity is the stable internal reference to a user. It never changes when
// the user's phone number does.
type Identity string

// Kind tags how the user message of a turn arrived.
type Kind string

const (
	KindText  Kind = "text"
	KindVoice Kind = "voice_message"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrSearchUnavailable = errors.New("relevance search unavailable")
)

// Turn stores one user message and the assistant reply to it.
type Turn struct {
	ID          string    `json:"id"`
	Identity    Identity  `json:"identity"`
	UserMessage string    `json:"user_message"`
	BotMessage  string    `json:"bot_message"`
	Kind        Kind      `json:"kind"`
	CreatedAt   time.Time `json:"created_at"`
	Embedding   []float32 `json:"-"`
}

// Serialized renders the turn in the framing used when packing history into a prompt.
func (t Turn) Serialized() string {
	var b strings.Builder
	b.Grow(len(t.UserMessage) + len(t.BotMessage) + 24)
	b.WriteString("Human: ")
	b.WriteString(t.UserMessage)
	b.WriteString("\nAssistant: ")
	b.WriteString(t.BotMessage)
	b.WriteString("\n\n")
	return b.String()
}

// Log is the append-only durable record of every turn.
type Log interface {
	SaveTurn(ctx context.Context, turn Turn) error
	// RecentTurns returns at most limit turns, oldest first.
	RecentTurns(ctx context.Context, identity Identity, limit int) ([]Turn, error)
	Identities(ctx context.Context) ([]Identity, error)
}

// Directory maps transport addresses to identities.
type Directory interface {
	// ResolveIdentity returns the identity for address, creating one on first
	// contact. created reports whether a new record was written.
	ResolveIdentity(ctx context.Context, address string) (identity Identity, created bool, err error)
}

// CandidateSource exposes turns for ranking by an embedding searcher.
type CandidateSource interface {
	CandidateTurns(ctx context.Context, identity Identity, limit int) ([]Turn, error)
	SetEmbedding(ctx context.Context, turnID, model string, vec []float32) error
}

// Searcher yields prior turns relevant to query, best first.
type Searcher interface {
	Search(ctx context.Context, query string, identity Identity) (iter.Seq[Turn], error)
}

// Store persists conversational memory and user identities.
type Store interface {
	Log
	Directory
	CandidateSource
	Searcher
	Close() error
}

// NormalizeAddress strips a channel prefix such as "whatsapp:" or "sms:".
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if i := strings.Index(address, ":"); i >= 0 {
		return strings.TrimSpace(address[i+1:])
	}
	return address
}
