package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps turns and users in a single-file database with an FTS5
// index over turn text.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// single connection keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			phone TEXT NOT NULL UNIQUE,
			created_at_us INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			identity TEXT NOT NULL,
			user_message TEXT NOT NULL,
			bot_message TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'text',
			embedding BLOB,
			embedding_model TEXT NOT NULL DEFAULT '',
			created_at_us INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_identity_created ON turns(identity, created_at_us);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS turns_fts USING fts5(turn_id UNINDEXED, content, tokenize='unicode61 remove_diacritics 2');`,
		`CREATE TRIGGER IF NOT EXISTS turns_ai AFTER INSERT ON turns BEGIN
			INSERT INTO turns_fts(turn_id, content) VALUES (new.id, new.user_message || ' ' || new.bot_message);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS turns_ad AFTER DELETE ON turns BEGIN
			DELETE FROM turns_fts WHERE turn_id = old.id;
		END;`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveTurn(ctx context.Context, turn Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	if turn.Kind == "" {
		turn.Kind = KindText
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, identity, user_message, bot_message, kind, created_at_us) VALUES (?, ?, ?, ?, ?, ?)`,
		turn.ID, string(turn.Identity), turn.UserMessage, turn.BotMessage, string(turn.Kind), turn.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

const sqliteTurnColumns = `id, identity, user_message, bot_message, kind, embedding, created_at_us`

func (s *SQLiteStore) RecentTurns(ctx context.Context, identity Identity, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTurnColumns+` FROM turns WHERE identity = ? ORDER BY created_at_us DESC, rowid DESC LIMIT ?`,
		string(identity), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()
	turns, err := scanSQLiteTurns(rows)
	if err != nil {
		return nil, err
	}
	reverseTurns(turns)
	return turns, nil
}

func (s *SQLiteStore) CandidateTurns(ctx context.Context, identity Identity, limit int) ([]Turn, error) {
	return s.RecentTurns(ctx, identity, limit)
}

func (s *SQLiteStore) SetEmbedding(ctx context.Context, turnID, model string, vec []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE turns SET embedding = ?, embedding_model = ? WHERE id = ?`,
		encodeVector(vec), model, turnID,
	)
	if err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Identities(ctx context.Context) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM users UNION SELECT DISTINCT identity FROM turns ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()
	var out []Identity
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, Identity(id))
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ResolveIdentity(ctx context.Context, address string) (Identity, bool, error) {
	phone := NormalizeAddress(address)
	if phone == "" {
		return "", false, ErrNotFound
	}
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE phone = ?`, phone).Scan(&id)
	switch {
	case err == nil:
		return Identity(id), false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", false, fmt.Errorf("lookup user: %w", err)
	}
	id = uuid.NewString()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, phone, created_at_us) VALUES (?, ?, ?) ON CONFLICT(phone) DO NOTHING`,
		id, phone, time.Now().UTC().UnixMicro(),
	)
	if err != nil {
		return "", false, fmt.Errorf("create user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return Identity(id), true, nil
	}
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE phone = ?`, phone).Scan(&id); err != nil {
		return "", false, fmt.Errorf("lookup user: %w", err)
	}
	return Identity(id), false, nil
}

// Search ranks turns by FTS5 bm25 over the combined user and bot text.
func (s *SQLiteStore) Search(ctx context.Context, query string, identity Identity) (iter.Seq[Turn], error) {
	match := buildFTSQuery(query)
	if match == "" {
		return emptySeq, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT t.id, t.identity, t.user_message, t.bot_message, t.kind, t.embedding, t.created_at_us
FROM turns_fts f
JOIN turns t ON t.id = f.turn_id
WHERE f.content MATCH ? AND t.identity = ?
ORDER BY bm25(turns_fts), t.created_at_us DESC`, match, string(identity))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}
	defer rows.Close()
	turns, err := scanSQLiteTurns(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}
	return SliceSeq(turns), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanSQLiteTurns(rows *sql.Rows) ([]Turn, error) {
	var out []Turn
	for rows.Next() {
		var (
			t        Turn
			identity string
			kind     string
			blob     []byte
			created  int64
		)
		if err := rows.Scan(&t.ID, &identity, &t.UserMessage, &t.BotMessage, &kind, &blob, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Identity = Identity(identity)
		t.Kind = Kind(kind)
		t.Embedding = decodeVector(blob)
		t.CreatedAt = time.UnixMicro(created).UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}

func buildFTSQuery(query string) string {
	tokens := tokenize(query)
	quoted := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.ReplaceAll(tok, `"`, `""`)
		quoted = append(quoted, `"`+tok+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

func reverseTurns(turns []Turn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}
