package message

import (
	"sync"

	"tagarela/internal/models"
)

type Seq int64

// Item is one message of a view, with its body rendered for display.
type Item struct {
	Seq     Seq            `json:"seq"`
	Message models.Message `json:"message"`
	HTML    string         `json:"html"`
}

// History keeps the newest items of a view in a ring buffer. Sequence
// numbers grow monotonically, so a reader can ask for what it missed.
type History struct {
	items     []Item
	firstSeq  Seq
	lastSeq   Seq
	lastIndex int
	size      int

	mu sync.RWMutex
}

func NewHistory(size int) *History {
	return &History{
		size:      size,
		lastIndex: -1,
		firstSeq:  -1,
		lastSeq:   -1,
	}
}

// Add appends item and returns it with its sequence number. The oldest
// item is overwritten once the buffer is full.
func (h *History) Add(item Item) Item {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastSeq++
	item.Seq = h.lastSeq

	switch {
	case len(h.items) < h.size:
		if h.firstSeq == -1 {
			h.firstSeq = h.lastSeq
		}
		h.items = append(h.items, item)
		h.lastIndex++
	default:
		h.firstSeq++
		i := (h.lastIndex + 1) % h.size
		h.items[i] = item
		h.lastIndex = i
	}
	return item
}

// Range returns the items with from <= Seq < to that are still buffered.
func (h *History) Range(from, to Seq) []Item {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.firstSeq == -1 {
		return []Item{}
	}
	from = max(from, h.firstSeq)
	to = min(to, h.lastSeq+1)
	if from >= to {
		return []Item{}
	}
	return h.copyFrom(from, int(to-from))
}

// Last returns up to count newest items, oldest first.
func (h *History) Last(count int) []Item {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.lastSeq == -1 {
		return []Item{}
	}
	count = min(count, int(h.lastSeq-h.firstSeq+1))
	return h.copyFrom(h.lastSeq-Seq(count)+1, count)
}

func (h *History) copyFrom(from Seq, count int) []Item {
	result := make([]Item, count)

	head := 0
	if len(h.items) == h.size {
		head = (h.lastIndex + 1) % h.size
	}
	start := (head + int(from-h.firstSeq)) % len(h.items)

	if start+count <= len(h.items) {
		copy(result, h.items[start:start+count])
	} else {
		n := len(h.items) - start
		copy(result, h.items[start:])
		copy(result[n:], h.items[:count-n])
	}
	return result
}

func (h *History) LastSeq() Seq {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastSeq
}

// Len returns the number of buffered items.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.items)
}
