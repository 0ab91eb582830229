package pubsub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tagarela/internal/models"
)

const defaultBufferSize = 256

type subscriber struct {
	userID string
	ch     chan models.Envelope
}

// Hub fans envelopes out to the subscribers of named topics. Delivery is
// best-effort: nothing is persisted and a subscriber whose buffer is full
// misses the envelope.
type Hub struct {
	// Map of topic -> subscribers
	topics map[string]map[*subscriber]struct{}

	bufferSize int
	now        func() time.Time

	mu sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		topics:     make(map[string]map[*subscriber]struct{}),
		bufferSize: defaultBufferSize,
		now:        time.Now,
	}
}

// Publish wraps payload in an envelope stamped with the publisher and
// delivers it to every current subscriber of topic, the publisher included.
func (h *Hub) Publish(from, topic, event string, payload any) (models.Envelope, error) {
	if !models.KnownTopic(topic) {
		return models.Envelope{}, models.Validationf("unknown topic %q", topic)
	}

	raw, ok := payload.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return models.Envelope{}, fmt.Errorf("failed to encode payload: %w", err)
		}
	}

	env := models.Envelope{
		ID:      uuid.NewString(),
		Topic:   topic,
		Event:   event,
		From:    from,
		Payload: raw,
		SentAt:  h.now().UTC(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.topics[topic] {
		select {
		case sub.ch <- env:
		default:
			slog.Warn("subscriber buffer full, dropping envelope",
				"topic", topic, "user_id", sub.userID, "envelope_id", env.ID)
		}
	}

	return env, nil
}

// Subscribe registers userID on topic. The returned cancel func
// unsubscribes and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(userID, topic string) (<-chan models.Envelope, func(), error) {
	if !models.KnownTopic(topic) {
		return nil, nil, models.Validationf("unknown topic %q", topic)
	}

	sub := &subscriber{
		userID: userID,
		ch:     make(chan models.Envelope, h.bufferSize),
	}

	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.topics[topic], sub)
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// Connected reports whether userID has at least one live subscription to topic.
func (h *Hub) Connected(userID, topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.topics[topic] {
		if sub.userID == userID {
			return true
		}
	}
	return false
}

// Subscribers returns the number of live subscriptions to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
