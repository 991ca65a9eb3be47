package authflow

import "sync"

// History is the navigation port a controller keeps in step with. A web
// host backs it with the browser history API; terminal hosts and tests use
// MemoryHistory.
//
// PushStep and ReplaceStep must not invoke pop handlers synchronously.
type History interface {
	PushStep(entry HistoryEntry)
	ReplaceStep(entry HistoryEntry)
	// OnPopStep registers handler for back/forward navigation and returns a
	// function that removes it.
	OnPopStep(handler func(HistoryEntry)) (unsubscribe func())
}

// MemoryHistory is an in-process History with browser semantics: pushing
// truncates forward entries, Back and Forward move the cursor and notify
// subscribers.
type MemoryHistory struct {
	mu       sync.Mutex
	entries  []HistoryEntry
	index    int
	handlers map[uint64]func(HistoryEntry)
	nextID   uint64
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{index: -1}
}

func (h *MemoryHistory) PushStep(entry HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries[:h.index+1], entry)
	h.index = len(h.entries) - 1
}

func (h *MemoryHistory) ReplaceStep(entry HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.index < 0 {
		h.entries = append(h.entries[:0], entry)
		h.index = 0
		return
	}
	h.entries[h.index] = entry
}

func (h *MemoryHistory) OnPopStep(handler func(HistoryEntry)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handlers == nil {
		h.handlers = make(map[uint64]func(HistoryEntry))
	}
	id := h.nextID
	h.nextID++
	h.handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.handlers, id)
			h.mu.Unlock()
		})
	}
}

// Back moves one entry back and reports whether it moved.
func (h *MemoryHistory) Back() bool {
	return h.move(-1)
}

// Forward moves one entry forward and reports whether it moved.
func (h *MemoryHistory) Forward() bool {
	return h.move(1)
}

func (h *MemoryHistory) move(delta int) bool {
	h.mu.Lock()
	next := h.index + delta
	if next < 0 || next >= len(h.entries) {
		h.mu.Unlock()
		return false
	}
	h.index = next
	entry := h.entries[next]
	handlers := make([]func(HistoryEntry), 0, len(h.handlers))
	for _, f := range h.handlers {
		handlers = append(handlers, f)
	}
	h.mu.Unlock()

	for _, f := range handlers {
		f(entry)
	}
	return true
}

// Entries returns a copy of the stack and the cursor position.
func (h *MemoryHistory) Entries() ([]HistoryEntry, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out, h.index
}

// Len reports the number of entries.
func (h *MemoryHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
