package session

import (
	"sync"

	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/memory"
)

const DefaultWindowSize = 10

// Window is one identity's rolling short-term memory: the most recent turns,
// oldest first, bounded by its size.
type Window struct {
	mu    sync.RWMutex
	size  int
	turns []memory.Turn
}

func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{size: size, turns: make([]memory.Turn, 0, size)}
}

// Append adds turn as the newest entry, evicting the oldest when full.
func (w *Window) Append(turn memory.Turn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.turns) == w.size {
		copy(w.turns, w.turns[1:])
		w.turns[len(w.turns)-1] = turn
		return
	}
	w.turns = append(w.turns, turn)
}

// Turns returns a copy of the window contents in chronological order.
func (w *Window) Turns() []memory.Turn {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]memory.Turn, len(w.turns))
	copy(out, w.turns)
	return out
}

func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.turns)
}

func (w *Window) Size() int { return w.size }
