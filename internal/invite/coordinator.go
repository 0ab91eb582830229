// Package invite negotiates call invitations between two users over the
// shared invite topic.
package invite

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"tagarela/internal/models"
)

// Terminal invites are forgotten after this long.
const RetainTerminal = 10 * time.Minute

type inviteBackend interface {
	UserID() string
	Publish(ctx context.Context, topic, event string, payload any) error
	Subscribe(ctx context.Context, topic string) (<-chan models.Envelope, func(), error)
}

type inviteBlocks interface {
	IsBlocked(userID string) bool
	CanOpenPrivate(ctx context.Context, userID string) error
}

// Coordinator keeps the local view of invites where self is the caller or
// the recipient. Remote records are applied monotonically: a terminal
// invite never changes again.
type Coordinator struct {
	backend inviteBackend
	blocks  inviteBlocks
	now     func() time.Time
	log     *slog.Logger

	mu      sync.Mutex
	invites map[string]models.Invite
	endedAt map[string]time.Time
	subs    map[int]chan models.Invite
	nextSub int
}

func NewCoordinator(backend inviteBackend, blocks inviteBlocks) *Coordinator {
	return &Coordinator{
		backend: backend,
		blocks:  blocks,
		now:     time.Now,
		log:     slog.With("component", "invite"),
		invites: make(map[string]models.Invite),
		endedAt: make(map[string]time.Time),
		subs:    make(map[int]chan models.Invite),
	}
}

// Create cancels any pending invite from self to recipientID and publishes
// a fresh pending one.
func (c *Coordinator) Create(ctx context.Context, recipientID string) (models.Invite, error) {
	self := c.backend.UserID()
	if recipientID == "" || recipientID == self {
		return models.Invite{}, models.Validationf("cannot call yourself")
	}
	if err := c.blocks.CanOpenPrivate(ctx, recipientID); err != nil {
		return models.Invite{}, err
	}

	for _, old := range c.pendingBetween(self, recipientID) {
		if _, err := c.publish(ctx, old, models.InviteStatusCancelled); err != nil {
			return models.Invite{}, err
		}
	}

	inv := models.Invite{
		ID:          uuid.NewString(),
		CallerID:    self,
		RecipientID: recipientID,
		Status:      models.InviteStatusPending,
		CreatedAt:   c.now().UTC(),
	}
	if err := c.backend.Publish(ctx, models.TopicInvites, models.EventInvite, inv); err != nil {
		return models.Invite{}, fmt.Errorf("failed to publish invite: %w", err)
	}
	c.Apply(inv)
	c.log.Info("invite created", "invite_id", inv.ID, "recipient_id", recipientID)
	return inv, nil
}

// Accept answers a pending invite addressed to self. Accepting an invite
// that is no longer pending returns its current state and no error.
func (c *Coordinator) Accept(ctx context.Context, inviteID string) (models.Invite, error) {
	return c.transition(ctx, inviteID, models.InviteStatusAccepted)
}

func (c *Coordinator) Reject(ctx context.Context, inviteID string) (models.Invite, error) {
	return c.transition(ctx, inviteID, models.InviteStatusRejected)
}

// Cancel withdraws a pending invite created by self.
func (c *Coordinator) Cancel(ctx context.Context, inviteID string) (models.Invite, error) {
	return c.transition(ctx, inviteID, models.InviteStatusCancelled)
}

func (c *Coordinator) transition(ctx context.Context, inviteID string, to models.InviteStatus) (models.Invite, error) {
	inv, ok := c.Get(inviteID)
	if !ok {
		return models.Invite{}, fmt.Errorf("invite %s: %w", inviteID, models.ErrNotFound)
	}
	if party(inv, to) != c.backend.UserID() {
		return models.Invite{}, fmt.Errorf("%w: cannot mark invite %s as %s", models.ErrForbidden, inviteID, to)
	}
	if inv.Status != models.InviteStatusPending {
		c.log.Debug("invite already resolved", "invite_id", inviteID, "status", inv.Status)
		return inv, nil
	}
	return c.publish(ctx, inv, to)
}

// publish announces inv with status to and applies it locally only once the
// broadcast succeeded.
func (c *Coordinator) publish(ctx context.Context, inv models.Invite, to models.InviteStatus) (models.Invite, error) {
	inv.Status = to
	if to == models.InviteStatusAccepted || to == models.InviteStatusRejected {
		at := c.now().UTC()
		inv.AnsweredAt = &at
	}
	if err := c.backend.Publish(ctx, models.TopicInvites, models.EventInvite, inv); err != nil {
		return models.Invite{}, fmt.Errorf("failed to publish invite: %w", err)
	}
	c.Apply(inv)
	return inv, nil
}

// party returns the user allowed to move inv into status to.
func party(inv models.Invite, to models.InviteStatus) string {
	switch to {
	case models.InviteStatusAccepted, models.InviteStatusRejected:
		return inv.RecipientID
	default:
		return inv.CallerID
	}
}

// Apply merges a record into the view and reports whether it changed.
func (c *Coordinator) Apply(inv models.Invite) bool {
	self := c.backend.UserID()
	if !inv.Involves(self) {
		return false
	}
	if inv.Status == models.InviteStatusPending && inv.RecipientID == self && c.blocks.IsBlocked(inv.CallerID) {
		c.log.Debug("ignoring invite from blocked user", "invite_id", inv.ID)
		return false
	}

	var changed []models.Invite
	c.mu.Lock()
	if cur, ok := c.invites[inv.ID]; ok {
		if cur.Status.Terminal() || inv.Status == models.InviteStatusPending {
			c.mu.Unlock()
			return false
		}
		c.storeLocked(inv)
		changed = append(changed, inv)
	} else {
		if inv.Status == models.InviteStatusPending {
			for _, other := range c.invites {
				if other.Status != models.InviteStatusPending ||
					other.CallerID != inv.CallerID || other.RecipientID != inv.RecipientID {
					continue
				}
				if newer(inv, other) {
					other.Status = models.InviteStatusCancelled
					c.storeLocked(other)
					changed = append(changed, other)
				} else {
					inv.Status = models.InviteStatusCancelled
				}
			}
		}
		c.storeLocked(inv)
		changed = append(changed, inv)
	}
	c.mu.Unlock()

	for _, ch := range changed {
		c.notify(ch)
	}
	return true
}

func (c *Coordinator) storeLocked(inv models.Invite) {
	c.invites[inv.ID] = inv
	if inv.Status.Terminal() {
		c.endedAt[inv.ID] = c.now()
	}
}

// newer orders pending invites of the same pair: later CreatedAt wins, ties
// are broken by id.
func newer(a, b models.Invite) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (c *Coordinator) pendingBetween(callerID, recipientID string) []models.Invite {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Invite
	for _, inv := range c.invites {
		if inv.Status == models.InviteStatusPending && inv.CallerID == callerID && inv.RecipientID == recipientID {
			out = append(out, inv)
		}
	}
	return out
}

func (c *Coordinator) Get(inviteID string) (models.Invite, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inv, ok := c.invites[inviteID]
	return inv, ok
}

// Pending lists the invites waiting for self to answer, oldest first.
func (c *Coordinator) Pending() []models.Invite {
	self := c.backend.UserID()
	c.mu.Lock()
	var out []models.Invite
	for _, inv := range c.invites {
		if inv.Status == models.InviteStatusPending && inv.RecipientID == self {
			out = append(out, inv)
		}
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b models.Invite) int {
		if newer(a, b) {
			return 1
		}
		return -1
	})
	return out
}

// Subscribe returns a channel of applied changes. Slow subscribers lose
// changes rather than block the coordinator.
func (c *Coordinator) Subscribe() (<-chan models.Invite, func()) {
	ch := make(chan models.Invite, 64)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *Coordinator) notify(inv models.Invite) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- inv:
		default:
			c.log.Warn("invite subscriber is slow, dropping change", "invite_id", inv.ID)
		}
	}
}

// Prune forgets terminal invites resolved more than RetainTerminal ago.
func (c *Coordinator) Prune() int {
	cutoff := c.now().Add(-RetainTerminal)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, at := range c.endedAt {
		if at.Before(cutoff) {
			delete(c.endedAt, id)
			delete(c.invites, id)
			n++
		}
	}
	return n
}

// Run applies invite broadcasts until ctx is done. Records whose publisher
// is not the party allowed to make that transition are ignored.
func (c *Coordinator) Run(ctx context.Context) error {
	ch, cancel, err := c.backend.Subscribe(ctx, models.TopicInvites)
	if err != nil {
		return err
	}
	defer func() { cancel() }()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-ch:
			if !ok {
				c.log.Warn("invite subscription closed")
				ch = nil
				continue
			}
			var inv models.Invite
			if err := env.Decode(&inv); err != nil {
				c.log.Debug("ignoring malformed invite", "envelope_id", env.ID, "error", err)
				continue
			}
			if party(inv, inv.Status) != env.From {
				c.log.Debug("ignoring invite from wrong party", "invite_id", inv.ID, "from", env.From)
				continue
			}
			c.Apply(inv)
		case <-ticker.C:
			if ch == nil {
				if s, cn, err := c.backend.Subscribe(ctx, models.TopicInvites); err == nil {
					ch, cancel = s, cn
				}
			}
			if n := c.Prune(); n > 0 {
				c.log.Debug("pruned resolved invites", "count", n)
			}
		}
	}
}
