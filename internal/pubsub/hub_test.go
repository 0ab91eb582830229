package pubsub

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"tagarela/internal/models"
)

func receive(t *testing.T, ch <-chan models.Envelope) models.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for envelope")
	}
	return models.Envelope{}
}

func TestHub_Lifecycle(t *testing.T) {
	h := NewHub()

	ch1, cancel1, err := h.Subscribe("u1", models.TopicMessages)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel1()
	ch2, cancel2, err := h.Subscribe("u2", models.TopicMessages)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if !h.Connected("u2", models.TopicMessages) {
		t.Error("u2 should be connected")
	}
	if h.Connected("u2", models.TopicInvites) {
		t.Error("u2 is not subscribed to invites")
	}

	// 1. Publish reaches everyone, the publisher included.
	sent, err := h.Publish("u1", models.TopicMessages, models.EventNewMessage, map[string]string{"body": "hi"})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for _, ch := range []<-chan models.Envelope{ch1, ch2} {
		env := receive(t, ch)
		if env.ID != sent.ID || env.From != "u1" || env.Event != models.EventNewMessage {
			t.Errorf("unexpected envelope: %+v", env)
		}
		var body map[string]string
		if err := env.Decode(&body); err != nil || body["body"] != "hi" {
			t.Errorf("unexpected payload %s: %v", env.Payload, err)
		}
	}

	// 2. Cancel closes the channel and stops delivery.
	cancel2()
	cancel2()
	if _, ok := <-ch2; ok {
		t.Error("expected closed channel after cancel")
	}
	if h.Connected("u2", models.TopicMessages) {
		t.Error("u2 should be disconnected")
	}
	if _, err := h.Publish("u1", models.TopicMessages, models.EventNewMessage, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Publish after cancel failed: %v", err)
	}
	receive(t, ch1)

	// 3. Topics are isolated.
	if _, err := h.Publish("u1", models.TopicInvites, models.EventInvite, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case env := <-ch1:
		t.Errorf("unexpected envelope on messages topic: %+v", env)
	default:
	}
}

func TestHub_UnknownTopic(t *testing.T) {
	h := NewHub()
	if _, err := h.Publish("u1", "nope", "x", nil); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	if _, _, err := h.Subscribe("u1", "nope"); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestHub_FullBufferDrops(t *testing.T) {
	h := NewHub()
	h.bufferSize = 1

	slow, cancel, _ := h.Subscribe("slow", models.TopicSignals)
	defer cancel()

	for range 3 {
		if _, err := h.Publish("u1", models.TopicSignals, models.EventSignal, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("Publish must not block or fail on a slow subscriber: %v", err)
		}
	}

	receive(t, slow)
	select {
	case env := <-slow:
		t.Errorf("expected dropped envelopes, got %+v", env)
	default:
	}
}
