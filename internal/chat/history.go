// Package chat keeps the session-scoped chat history shown next to the call.
package chat

import (
	"github.com/petervdpas/livecam/internal/util"
)

// DefaultBufferSize is the default number of entries kept in memory.
const DefaultBufferSize = 200

// History is an in-memory, bounded chat log. At most one image per
// direction is kept: adding an image evicts the previous one.
type History struct {
	entries *util.RingBuffer[Entry]
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &History{entries: util.NewRingBuffer[Entry](size)}
}

// Add stores e and returns the entries it displaced.
func (h *History) Add(e Entry) []Entry {
	var removed []Entry
	if e.Kind == KindImage {
		removed = h.entries.RemoveFunc(func(old Entry) bool {
			return old.Kind == KindImage && old.Direction == e.Direction
		})
	}
	h.entries.Push(e)
	return removed
}

// Entries returns the history, oldest first.
func (h *History) Entries() []Entry {
	return h.entries.Snapshot()
}

// Images returns the image entries currently held for dir.
func (h *History) Images(dir Direction) []Entry {
	var out []Entry
	for _, e := range h.entries.Snapshot() {
		if e.Kind == KindImage && e.Direction == dir {
			out = append(out, e)
		}
	}
	return out
}
