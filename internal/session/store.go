package session

import (
	"log/slog"
	"sync"

	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/memory"
)

type entry struct {
	mu     sync.Mutex
	window *Window
}

// Store owns one Window per identity. The map lock is held only for lookup
// and creation; per-identity work synchronizes on that identity's entry.
type Store struct {
	mu         sync.RWMutex
	entries    map[memory.Identity]*entry
	windowSize int
	logger     *slog.Logger
}

func NewStore(windowSize int, logger *slog.Logger) *Store {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries:    make(map[memory.Identity]*entry),
		windowSize: windowSize,
		logger:     logger,
	}
}

func (s *Store) WindowSize() int { return s.windowSize }

func (s *Store) entry(identity memory.Identity) *entry {
	s.mu.RLock()
	e, ok := s.entries[identity]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[identity]; ok {
		return e
	}
	e = &entry{window: NewWindow(s.windowSize)}
	s.entries[identity] = e
	return e
}

// GetOrCreate returns the identity's window, creating an empty one on first use.
func (s *Store) GetOrCreate(identity memory.Identity) *Window {
	return s.entry(identity).window
}

// Append adds turn to the identity's window.
func (s *Store) Append(identity memory.Identity, turn memory.Turn) {
	s.entry(identity).window.Append(turn)
}

// Lock enters the identity's critical section. Other identities are unaffected.
// Append and Turns remain safe to call while holding it.
func (s *Store) Lock(identity memory.Identity) (unlock func()) {
	e := s.entry(identity)
	e.mu.Lock()
	return e.mu.Unlock
}

// Count reports how many identities have a window.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// replace installs a freshly built window for identity.
func (s *Store) replace(identity memory.Identity, w *Window) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[identity]; ok {
		e.window = w
		return
	}
	s.entries[identity] = &entry{window: w}
}
