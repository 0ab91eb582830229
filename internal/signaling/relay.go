// Package signaling exchanges WebRTC negotiation messages between the two
// parties of a call over the shared signal topic.
//
// Every subscriber receives every signal on the topic and drops what is not
// addressed to it.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"github.com/google/uuid"

	"tagarela/internal/models"
)

// Redeliveries of a signal id within this window are dropped.
const dedupeTTL = 5 * time.Minute

type signalBackend interface {
	UserID() string
	Publish(ctx context.Context, topic, event string, payload any) error
	Subscribe(ctx context.Context, topic string) (<-chan models.Envelope, func(), error)
}

type Relay struct {
	backend signalBackend
	log     *slog.Logger
}

func NewRelay(backend signalBackend) *Relay {
	return &Relay{
		backend: backend,
		log:     slog.With("component", "signaling"),
	}
}

// Send publishes an addressed signal. payload is encoded as JSON unless it
// already is raw JSON.
func (r *Relay) Send(ctx context.Context, inviteID, toUserID string, typ models.SignalType, payload any) (models.Signal, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return models.Signal{}, fmt.Errorf("failed to encode %s payload: %w", typ, err)
		}
	}
	sig := models.Signal{
		ID:         uuid.NewString(),
		InviteID:   inviteID,
		FromUserID: r.backend.UserID(),
		ToUserID:   toUserID,
		Type:       typ,
		Payload:    raw,
	}
	if err := r.backend.Publish(ctx, models.TopicSignals, models.EventSignal, sig); err != nil {
		return models.Signal{}, fmt.Errorf("failed to send %s: %w", typ, err)
	}
	r.log.Debug("signal sent", "invite_id", inviteID, "type", typ, "to", toUserID)
	return sig, nil
}

// Subscribe delivers the signals addressed to self, each signal id once.
// The channel is closed when ctx is done, cancel is called or the
// underlying subscription ends.
func (r *Relay) Subscribe(ctx context.Context) (<-chan models.Signal, func(), error) {
	ctx, stop := context.WithCancel(ctx)
	in, cancelIn, err := r.backend.Subscribe(ctx, models.TopicSignals)
	if err != nil {
		stop()
		return nil, nil, err
	}

	seen := geche.NewMapTTLCache[string, struct{}](ctx, dedupeTTL, time.Minute)
	out := make(chan models.Signal, 64)
	self := r.backend.UserID()

	var wg sync.WaitGroup
	wg.Go(func() {
		defer close(out)
		defer cancelIn()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-in:
				if !ok {
					return
				}
				sig, ok := r.accept(env, self, seen)
				if !ok {
					continue
				}
				select {
				case out <- sig:
				case <-ctx.Done():
					return
				}
			}
		}
	})

	var once sync.Once
	return out, func() {
		once.Do(func() {
			stop()
			wg.Wait()
		})
	}, nil
}

func (r *Relay) accept(env models.Envelope, self string, seen geche.Geche[string, struct{}]) (models.Signal, bool) {
	var sig models.Signal
	if err := env.Decode(&sig); err != nil {
		r.log.Debug("ignoring malformed signal", "envelope_id", env.ID, "error", err)
		return sig, false
	}
	if sig.ToUserID != self || sig.FromUserID == self {
		return sig, false
	}
	if sig.FromUserID != env.From {
		r.log.Debug("ignoring signal with forged sender", "signal_id", sig.ID, "from", env.From)
		return sig, false
	}
	if _, err := seen.Get(sig.ID); err == nil {
		r.log.Debug("dropping redelivered signal", "signal_id", sig.ID)
		return sig, false
	}
	seen.Set(sig.ID, struct{}{})
	return sig, true
}
