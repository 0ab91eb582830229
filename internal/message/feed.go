package message

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c-pro/geche"

	"tagarela/internal/content"
	"tagarela/internal/models"
)

const (
	DefaultHistorySize = 500
	droppedTTL         = 24 * time.Hour
)

type feedBackend interface {
	UserID() string
	PublicMessages(ctx context.Context, limit int) ([]models.Message, error)
	PrivateMessages(ctx context.Context, otherID string, limit int) ([]models.Message, error)
	Subscribe(ctx context.Context, topic string) (<-chan models.Envelope, func(), error)
}

type feedBlocks interface {
	IsBlocked(userID string) bool
	CanOpenPrivate(ctx context.Context, userID string) error
}

// View selects what the feed shows: the public room, or the private
// conversation with Peer.
type View struct {
	Peer string
}

func (v View) Private() bool {
	return v.Peer != ""
}

type FeedConfig struct {
	Persisted    bool
	PushGrace    time.Duration
	PollInterval time.Duration
	HistorySize  int
}

// Feed is the receiving side of the message channel. Live broadcasts are
// authoritative; in persisted mode the store is polled only while no
// broadcast arrived for PushGrace.
type Feed struct {
	backend feedBackend
	blocks  feedBlocks
	cfg     FeedConfig
	now     func() time.Time
	log     *slog.Logger

	// Ids of messages hidden because their sender was blocked. They stay
	// hidden after an unblock.
	dropped geche.Geche[string, struct{}]

	mu       sync.Mutex
	view     View
	gen      int
	history  *History
	seen     map[string]struct{}
	lastPush time.Time
	updates  chan struct{}
}

// NewFeed creates a feed showing the public view. ctx bounds the lifetime
// of its caches.
func NewFeed(ctx context.Context, backend feedBackend, blocks feedBlocks, cfg FeedConfig) *Feed {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	return &Feed{
		backend: backend,
		blocks:  blocks,
		cfg:     cfg,
		now:     time.Now,
		log:     slog.With("component", "feed"),
		dropped: geche.NewMapTTLCache[string, struct{}](ctx, droppedTTL, time.Minute),
		history: NewHistory(cfg.HistorySize),
		seen:    make(map[string]struct{}),
		updates: make(chan struct{}, 1),
	}
}

// Open switches the feed to view. A private view requires that neither side
// blocked the other. In persisted mode the stored history of the view is
// loaded; if the store is unreachable the view starts empty and fills from
// live broadcasts.
func (f *Feed) Open(ctx context.Context, view View) error {
	if view.Private() {
		if err := f.blocks.CanOpenPrivate(ctx, view.Peer); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.view = view
	f.gen++
	gen := f.gen
	f.history = NewHistory(f.cfg.HistorySize)
	f.seen = make(map[string]struct{})
	f.mu.Unlock()
	f.notify()

	if !f.cfg.Persisted {
		return nil
	}
	msgs, err := f.fetch(ctx, view)
	if err != nil {
		if models.IsTransient(err) {
			f.log.Warn("failed to load history", "peer", view.Peer, "error", err)
			return nil
		}
		return err
	}
	f.applyAll(gen, msgs)
	return nil
}

func (f *Feed) fetch(ctx context.Context, view View) ([]models.Message, error) {
	if view.Private() {
		return f.backend.PrivateMessages(ctx, view.Peer, f.cfg.HistorySize)
	}
	return f.backend.PublicMessages(ctx, f.cfg.HistorySize)
}

func (f *Feed) applyAll(gen int, msgs []models.Message) {
	changed := false
	f.mu.Lock()
	if gen == f.gen {
		for _, m := range msgs {
			changed = f.applyLocked(m) || changed
		}
	}
	f.mu.Unlock()
	if changed {
		f.notify()
	}
}

// Apply runs one message through the visibility predicate and the dedupe
// and adds it to the view. It reports whether the view changed.
func (f *Feed) Apply(m models.Message) bool {
	f.mu.Lock()
	changed := f.applyLocked(m)
	f.mu.Unlock()
	if changed {
		f.notify()
	}
	return changed
}

func (f *Feed) applyLocked(m models.Message) bool {
	if _, ok := f.seen[m.ID]; ok {
		return false
	}
	if _, err := f.dropped.Get(m.ID); err == nil {
		return false
	}
	if f.blocks.IsBlocked(m.SenderID) {
		f.dropped.Set(m.ID, struct{}{})
		return false
	}
	if !f.visibleLocked(m) {
		return false
	}
	f.seen[m.ID] = struct{}{}
	f.history.Add(Item{Message: m, HTML: content.Render(m.Body)})
	return true
}

func (f *Feed) visibleLocked(m models.Message) bool {
	self := f.backend.UserID()
	switch m.Type {
	case models.MessageTypePublic:
		return !f.view.Private()
	case models.MessageTypePrivate:
		if !f.view.Private() {
			return false
		}
		peer := f.view.Peer
		return (m.SenderID == self && m.RecipientID == peer) || (m.SenderID == peer && m.RecipientID == self)
	default:
		return false
	}
}

// Run consumes the broadcast topic until ctx is done. If the subscription
// breaks it is re-established on the next poll tick.
func (f *Feed) Run(ctx context.Context) error {
	ch, cancel, err := f.backend.Subscribe(ctx, models.TopicMessages)
	if err != nil {
		return err
	}
	defer func() { cancel() }()

	f.mu.Lock()
	f.lastPush = f.now()
	f.mu.Unlock()

	interval := f.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-ch:
			if !ok {
				f.log.Warn("message subscription closed")
				ch = nil
				continue
			}
			f.mu.Lock()
			f.lastPush = f.now()
			f.mu.Unlock()

			var m models.Message
			if err := env.Decode(&m); err != nil {
				f.log.Debug("ignoring malformed message envelope", "envelope_id", env.ID, "error", err)
				continue
			}
			if m.SenderID != env.From {
				f.log.Debug("ignoring message with forged sender", "envelope_id", env.ID)
				continue
			}
			f.Apply(m)
		case <-ticker.C:
			if ch == nil {
				if c, cn, err := f.backend.Subscribe(ctx, models.TopicMessages); err == nil {
					ch, cancel = c, cn
				}
			}
			f.Poll(ctx)
		}
	}
}

// Poll fetches the current view from the store when push has been silent
// for longer than the grace period. It reports whether it polled.
func (f *Feed) Poll(ctx context.Context) bool {
	if !f.cfg.Persisted {
		return false
	}
	f.mu.Lock()
	silent := f.now().Sub(f.lastPush)
	view, gen := f.view, f.gen
	f.mu.Unlock()
	if silent < f.cfg.PushGrace {
		return false
	}

	msgs, err := f.fetch(ctx, view)
	if err != nil {
		f.log.Warn("poll failed", "error", err)
		return true
	}
	f.applyAll(gen, msgs)
	return true
}

// Items returns the current view, oldest first.
func (f *Feed) Items() []Item {
	f.mu.Lock()
	h := f.history
	f.mu.Unlock()
	return h.Last(f.cfg.HistorySize)
}

// View returns the open view.
func (f *Feed) View() View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

// Updates is signalled whenever Items may have changed.
func (f *Feed) Updates() <-chan struct{} {
	return f.updates
}

func (f *Feed) notify() {
	select {
	case f.updates <- struct{}{}:
	default:
	}
}
