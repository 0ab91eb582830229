package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"tagarela/internal/models"
)

type inviteHub interface {
	Subscribe(userID, topic string) (<-chan models.Envelope, func(), error)
	Connected(userID, topic string) bool
}

type subscriptionStore interface {
	ListPushSubscriptions(userID string) ([]models.PushSubscription, error)
	GetProfile(id string) (models.Profile, error)
}

// Sender delivers one push message to one subscription.
type Sender func(message []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             time.Duration
}

// InvitePush is the payload delivered to the browser.
type InvitePush struct {
	Kind     string `json:"kind"`
	InviteID string `json:"inviteId"`
	CallerID string `json:"callerId"`
	Caller   string `json:"caller"`
}

// InviteNotifier pushes pending call invites to recipients that have no
// live realtime subscription to the invites topic.
type InviteNotifier struct {
	cfg   Config
	hub   inviteHub
	store subscriptionStore
	send  Sender
}

func NewInviteNotifier(cfg Config, hub inviteHub, store subscriptionStore) *InviteNotifier {
	if cfg.TTL == 0 {
		cfg.TTL = time.Minute
	}
	return &InviteNotifier{
		cfg:   cfg,
		hub:   hub,
		store: store,
		send:  webpush.SendNotification,
	}
}

// Run watches the invites topic until ctx is done.
func (n *InviteNotifier) Run(ctx context.Context) error {
	ch, cancel, err := n.hub.Subscribe("", models.TopicInvites)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			n.handle(env)
		case <-ctx.Done():
			return nil
		}
	}
}

func (n *InviteNotifier) handle(env models.Envelope) {
	var inv models.Invite
	if err := env.Decode(&inv); err != nil {
		slog.Debug("ignoring malformed invite envelope", "envelope_id", env.ID, "error", err)
		return
	}
	// Only the caller may announce a new invite.
	if inv.Status != models.InviteStatusPending || inv.CallerID != env.From {
		return
	}
	if n.hub.Connected(inv.RecipientID, models.TopicInvites) {
		return
	}
	if err := n.Notify(inv); err != nil {
		slog.Warn("failed to push invite", "invite_id", inv.ID, "recipient_id", inv.RecipientID, "error", err)
	}
}

// Notify sends the invite to every push subscription of the recipient.
func (n *InviteNotifier) Notify(inv models.Invite) error {
	subs, err := n.store.ListPushSubscriptions(inv.RecipientID)
	if err != nil {
		return fmt.Errorf("failed to list push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	push := InvitePush{Kind: "call-invite", InviteID: inv.ID, CallerID: inv.CallerID}
	if caller, err := n.store.GetProfile(inv.CallerID); err == nil {
		push.Caller = caller.Nickname
	}
	body, err := json.Marshal(push)
	if err != nil {
		return err
	}

	var lastErr error
	for _, sub := range subs {
		resp, err := n.send(body, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{Auth: sub.Keys.Auth, P256dh: sub.Keys.P256dh},
		}, &webpush.Options{
			Subscriber:      n.cfg.Subscriber,
			VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
			VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
			TTL:             int(n.cfg.TTL.Seconds()),
			Urgency:         webpush.UrgencyHigh,
		})
		if err != nil {
			lastErr = err
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("push endpoint answered %d", resp.StatusCode)
		}
	}
	return lastErr
}
