package memory

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversational memory in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			phone TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			identity TEXT NOT NULL,
			user_message TEXT NOT NULL,
			bot_message TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'text',
			embedding REAL[],
			embedding_model TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_identity_created ON turns (identity, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_fts ON turns USING GIN (to_tsvector('english', user_message || ' ' || bot_message));`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, turn Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	if turn.Kind == "" {
		turn.Kind = KindText
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO turns (id, identity, user_message, bot_message, kind, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		turn.ID, string(turn.Identity), turn.UserMessage, turn.BotMessage, string(turn.Kind), turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, identity Identity, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, identity, user_message, bot_message, kind, embedding, created_at
		 FROM turns WHERE identity=$1 ORDER BY created_at DESC LIMIT $2`,
		string(identity), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	turns, err := collectPgTurns(rows)
	if err != nil {
		return nil, err
	}
	// Chronological order for prompt coherence.
	reverseTurns(turns)
	return turns, nil
}

func (s *PostgresStore) CandidateTurns(ctx context.Context, identity Identity, limit int) ([]Turn, error) {
	return s.RecentTurns(ctx, identity, limit)
}

func (s *PostgresStore) SetEmbedding(ctx context.Context, turnID, model string, vec []float32) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE turns SET embedding=$1, embedding_model=$2 WHERE id=$3`,
		vec, model, turnID,
	)
	if err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Identities(ctx context.Context) ([]Identity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM users UNION SELECT DISTINCT identity FROM turns ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan identities: %w", err)
	}
	out := make([]Identity, 0, len(ids))
	for _, id := range ids {
		out = append(out, Identity(id))
	}
	return out, nil
}

func (s *PostgresStore) ResolveIdentity(ctx context.Context, address string) (Identity, bool, error) {
	phone := NormalizeAddress(address)
	if phone == "" {
		return "", false, ErrNotFound
	}
	var (
		id       string
		inserted bool
	)
	// The no-op update makes RETURNING yield the existing row on conflict.
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (id, phone) VALUES ($1, $2)
		 ON CONFLICT (phone) DO UPDATE SET phone = EXCLUDED.phone
		 RETURNING id, (xmax = 0)`,
		uuid.NewString(), phone,
	).Scan(&id, &inserted)
	if err != nil {
		return "", false, fmt.Errorf("resolve identity: %w", err)
	}
	return Identity(id), inserted, nil
}

// Search ranks turns with full-text ts_rank over user and bot text.
func (s *PostgresStore) Search(ctx context.Context, query string, identity Identity) (iter.Seq[Turn], error) {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return emptySeq, nil
	}
	rows, err := s.pool.Query(ctx,
		`WITH q AS (SELECT websearch_to_tsquery('english', $1) AS tsq)
		SELECT t.id, t.identity, t.user_message, t.bot_message, t.kind, t.embedding, t.created_at
		FROM turns t, q
		WHERE t.identity = $2
		  AND to_tsvector('english', t.user_message || ' ' || t.bot_message) @@ q.tsq
		ORDER BY ts_rank(to_tsvector('english', t.user_message || ' ' || t.bot_message), q.tsq) DESC, t.created_at DESC`,
		strings.Join(tokens, " or "), string(identity),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}
	turns, err := collectPgTurns(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}
	return SliceSeq(turns), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func collectPgTurns(rows pgx.Rows) ([]Turn, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Turn, error) {
		var (
			t        Turn
			identity string
			kind     string
		)
		if err := row.Scan(&t.ID, &identity, &t.UserMessage, &t.BotMessage, &kind, &t.Embedding, &t.CreatedAt); err != nil {
			return Turn{}, err
		}
		t.Identity = Identity(identity)
		t.Kind = Kind(kind)
		return t, nil
	})
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scan turns: %w", err)
	}
	return turns, nil
}
