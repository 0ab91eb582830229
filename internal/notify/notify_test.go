package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"tagarela/internal/models"
	"tagarela/internal/pubsub"
)

type fakeStore struct {
	subs map[string][]models.PushSubscription
}

func (f *fakeStore) ListPushSubscriptions(userID string) ([]models.PushSubscription, error) {
	return f.subs[userID], nil
}

func (f *fakeStore) GetProfile(id string) (models.Profile, error) {
	return models.Profile{ID: id, Nickname: "nick-" + id}, nil
}

type recorder struct {
	mu   sync.Mutex
	sent []InvitePush
	to   []string
}

func (r *recorder) send(message []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	var p InvitePush
	if err := json.Unmarshal(message, &p); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sent = append(r.sent, p)
	r.to = append(r.to, sub.Endpoint)
	r.mu.Unlock()
	return &http.Response{StatusCode: http.StatusCreated, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestInviteNotifier(t *testing.T) {
	var sub models.PushSubscription
	sub.Endpoint = "https://push.example.com/bob"
	store := &fakeStore{subs: map[string][]models.PushSubscription{"bob": {sub}}}

	hub := pubsub.NewHub()
	rec := &recorder{}
	n := NewInviteNotifier(Config{VAPIDPublicKey: "pub", VAPIDPrivateKey: "priv"}, hub, store)
	n.send = rec.send

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx) }()

	waitFor(t, func() bool { return hub.Subscribers(models.TopicInvites) == 1 })

	// Bob is offline: pushed.
	inv := models.Invite{ID: "i1", CallerID: "alice", RecipientID: "bob", Status: models.InviteStatusPending}
	if _, err := hub.Publish("alice", models.TopicInvites, models.EventInvite, inv); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return rec.count() == 1 })
	if rec.sent[0].InviteID != "i1" || rec.sent[0].Caller != "nick-alice" || rec.to[0] != sub.Endpoint {
		t.Errorf("unexpected push: %+v to %v", rec.sent[0], rec.to)
	}

	// Forged invite (publisher is not the caller): ignored.
	forged := models.Invite{ID: "i2", CallerID: "mallory", RecipientID: "bob", Status: models.InviteStatusPending}
	_, _ = hub.Publish("alice", models.TopicInvites, models.EventInvite, forged)

	// Status updates are not pushed.
	inv.Status = models.InviteStatusCancelled
	_, _ = hub.Publish("alice", models.TopicInvites, models.EventInvite, inv)

	// Bob connected: not pushed.
	_, bobCancel, _ := hub.Subscribe("bob", models.TopicInvites)
	defer bobCancel()
	online := models.Invite{ID: "i3", CallerID: "alice", RecipientID: "bob", Status: models.InviteStatusPending}
	_, _ = hub.Publish("alice", models.TopicInvites, models.EventInvite, online)

	time.Sleep(50 * time.Millisecond)
	if rec.count() != 1 {
		t.Errorf("expected exactly one push, got %d", rec.count())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
