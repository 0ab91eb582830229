package presence

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"tagarela/internal/models"
)

type rosterBackend interface {
	UserID() string
	ActiveProfiles(ctx context.Context, since time.Time) ([]models.Profile, error)
	Subscribe(ctx context.Context, topic string) (<-chan models.Envelope, func(), error)
}

type blockChecker interface {
	IsBlocked(userID string) bool
	IsBlockedBy(ctx context.Context, userID string) (bool, error)
}

// Roster lists the users that are online, as seen by the signed-in user.
type Roster struct {
	backend rosterBackend
	blocks  blockChecker
	window  time.Duration
	now     func() time.Time
	log     *slog.Logger

	mu      sync.Mutex
	last    []models.Profile
	updates chan struct{}
}

func NewRoster(backend rosterBackend, blocks blockChecker, window time.Duration) *Roster {
	return &Roster{
		backend: backend,
		blocks:  blocks,
		window:  window,
		now:     time.Now,
		log:     slog.With("component", "roster"),
		updates: make(chan struct{}, 1),
	}
}

// Online returns the profiles active within the online window, newest
// first, without self and without anyone blocked in either direction.
// When the backend is unreachable the last known roster is returned.
func (r *Roster) Online(ctx context.Context) ([]models.Profile, error) {
	profiles, err := r.backend.ActiveProfiles(ctx, r.now().Add(-r.window))
	if err != nil {
		if models.IsTransient(err) {
			r.log.Warn("using cached roster", "error", err)
			r.mu.Lock()
			defer r.mu.Unlock()
			return slices.Clone(r.last), nil
		}
		return nil, err
	}

	self := r.backend.UserID()
	visible := make([]models.Profile, 0, len(profiles))
	for _, p := range profiles {
		if p.ID == self || r.blocks.IsBlocked(p.ID) {
			continue
		}
		blockedBy, err := r.blocks.IsBlockedBy(ctx, p.ID)
		if err != nil {
			r.log.Warn("hiding user with unknown block status", "user_id", p.ID, "error", err)
			continue
		}
		if blockedBy {
			continue
		}
		visible = append(visible, p)
	}

	r.mu.Lock()
	r.last = visible
	r.mu.Unlock()
	return slices.Clone(visible), nil
}

// Run watches profile changes until ctx is done and signals Updates on
// each one.
func (r *Roster) Run(ctx context.Context) error {
	ch, cancel, err := r.backend.Subscribe(ctx, models.TopicProfiles)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			select {
			case r.updates <- struct{}{}:
			default:
			}
		}
	}
}

// Updates is signalled when the roster may have changed.
func (r *Roster) Updates() <-chan struct{} {
	return r.updates
}
