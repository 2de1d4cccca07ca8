package memory

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is an in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	turns   map[Identity][]Turn
	byID    map[string]*turnRef
	users   map[string]Identity
	failing error
}

type turnRef struct {
	identity Identity
	index    int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		turns: make(map[Identity][]Turn),
		byID:  make(map[string]*turnRef),
		users: make(map[string]Identity),
	}
}

// FailSearch makes every subsequent Search return err. Nil restores normal behavior.
func (s *InMemoryStore) FailSearch(err error) {
	s.mu.Lock()
	s.failing = err
	s.mu.Unlock()
}

func (s *InMemoryStore) SaveTurn(_ context.Context, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	if turn.Kind == "" {
		turn.Kind = KindText
	}
	s.turns[turn.Identity] = append(s.turns[turn.Identity], turn)
	s.byID[turn.ID] = &turnRef{identity: turn.Identity, index: len(s.turns[turn.Identity]) - 1}
	return nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, identity Identity, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[identity]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Turn, 0, limit)
	out = append(out, arr[len(arr)-limit:]...)
	return out, nil
}

func (s *InMemoryStore) Identities(_ context.Context) ([]Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[Identity]struct{}, len(s.users)+len(s.turns))
	out := make([]Identity, 0, len(seen))
	add := func(id Identity) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range s.users {
		add(id)
	}
	for id := range s.turns {
		add(id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *InMemoryStore) ResolveIdentity(_ context.Context, address string) (Identity, bool, error) {
	phone := NormalizeAddress(address)
	if phone == "" {
		return "", false, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.users[phone]; ok {
		return id, false, nil
	}
	id := Identity(uuid.NewString())
	s.users[phone] = id
	return id, true, nil
}

func (s *InMemoryStore) CandidateTurns(ctx context.Context, identity Identity, limit int) ([]Turn, error) {
	return s.RecentTurns(ctx, identity, limit)
}

func (s *InMemoryStore) SetEmbedding(_ context.Context, turnID, _ string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.byID[turnID]
	if !ok {
		return ErrNotFound
	}
	s.turns[ref.identity][ref.index].Embedding = append([]float32(nil), vec...)
	return nil
}

// Search ranks by token overlap between the query and each turn.
func (s *InMemoryStore) Search(_ context.Context, query string, identity Identity) (iter.Seq[Turn], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failing != nil {
		return nil, s.failing
	}
	if strings.TrimSpace(query) == "" {
		return emptySeq, nil
	}
	arr := s.turns[identity]
	scored := make([]scoredTurn, 0, len(arr))
	for _, t := range arr {
		score := tokenOverlap(query, t.UserMessage+" "+t.BotMessage)
		if score <= 0 {
			continue
		}
		scored = append(scored, scoredTurn{turn: t, score: score})
	}
	return rankedSeq(scored), nil
}

func (s *InMemoryStore) Close() error { return nil }
