// Package presence tracks local user activity, persists it on a debounced
// schedule and signs the user out after a period of inactivity.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Interaction events that count as activity. Passive ones such as
// mousemove do not.
var interactions = map[string]bool{
	"click":      true,
	"mousedown":  true,
	"keypress":   true,
	"keydown":    true,
	"input":      true,
	"scroll":     true,
	"touchstart": true,
	"focus":      true,
	"send":       true,
}

type activityBackend interface {
	UserID() string
	TouchActivity(ctx context.Context, at time.Time) error
	MarkOffline(ctx context.Context) error
	DeleteOwnMessages(ctx context.Context) (int, error)
	ListMedia(ctx context.Context, prefix string) ([]string, error)
	DeleteMedia(ctx context.Context, paths []string) error
	SignOut(ctx context.Context) error
}

type Config struct {
	InactivityTimeout time.Duration
	Debounce          time.Duration
}

type Tracker struct {
	backend activityBackend
	cfg     Config
	now     func() time.Time
	log     *slog.Logger

	mu           sync.Mutex
	lastActivity time.Time
	lastWrite    time.Time
	loggedOut    bool
	hooks        []func(context.Context)
}

func NewTracker(backend activityBackend, cfg Config) *Tracker {
	t := &Tracker{
		backend: backend,
		cfg:     cfg,
		now:     time.Now,
		log:     slog.With("component", "presence"),
	}
	t.lastActivity = t.now()
	return t
}

// OnLogout registers fn to run when Expire or Logout starts, before the
// user is marked offline and signed out.
func (t *Tracker) OnLogout(fn func(context.Context)) {
	t.mu.Lock()
	t.hooks = append(t.hooks, fn)
	t.mu.Unlock()
}

// Touch records an interaction event. It reports whether the event counted
// as activity. The backend is written at most once per debounce window and
// write errors are only logged: the local timestamp is what drives expiry.
func (t *Tracker) Touch(ctx context.Context, event string) bool {
	if !interactions[event] {
		return false
	}

	t.mu.Lock()
	if t.loggedOut {
		t.mu.Unlock()
		return false
	}
	now := t.now()
	t.lastActivity = now
	write := t.lastWrite.IsZero() || now.Sub(t.lastWrite) >= t.cfg.Debounce
	if write {
		t.lastWrite = now
	}
	t.mu.Unlock()

	if write {
		if err := t.backend.TouchActivity(ctx, now); err != nil {
			t.log.Warn("failed to record activity", "user_id", t.backend.UserID(), "error", err)
		}
	}
	return true
}

func (t *Tracker) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

// Run checks for inactivity until ctx is done or the user is logged out.
func (t *Tracker) Run(ctx context.Context) error {
	interval := min(t.cfg.Debounce, t.cfg.InactivityTimeout/4)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if t.Check(ctx) {
				return nil
			}
		}
	}
}

// Check expires the session when the inactivity timeout has passed. It
// reports whether the tracker is logged out.
func (t *Tracker) Check(ctx context.Context) bool {
	t.mu.Lock()
	idle := t.now().Sub(t.lastActivity)
	loggedOut := t.loggedOut
	t.mu.Unlock()

	if loggedOut {
		return true
	}
	if idle < t.cfg.InactivityTimeout {
		return false
	}
	t.log.Info("inactivity timeout reached", "user_id", t.backend.UserID(), "idle", idle)
	t.Expire(ctx)
	return true
}

// Expire is the inactivity logout.
func (t *Tracker) Expire(ctx context.Context) {
	t.logout(ctx, "inactivity")
}

// Logout is the explicit logout. Like Expire it cleans up everything the
// user owns before signing out.
func (t *Tracker) Logout(ctx context.Context) {
	t.logout(ctx, "logout")
}

func (t *Tracker) logout(ctx context.Context, reason string) {
	t.mu.Lock()
	if t.loggedOut {
		t.mu.Unlock()
		return
	}
	t.loggedOut = true
	hooks := t.hooks
	t.mu.Unlock()

	userID := t.backend.UserID()
	log := t.log.With("user_id", userID, "reason", reason)

	for _, fn := range hooks {
		fn(ctx)
	}

	if err := t.backend.MarkOffline(ctx); err != nil {
		log.Warn("failed to mark offline", "error", err)
	}
	if n, err := t.backend.DeleteOwnMessages(ctx); err != nil {
		log.Warn("failed to delete messages", "error", err)
	} else {
		log.Debug("deleted messages", "count", n)
	}
	if paths, err := t.backend.ListMedia(ctx, userID+"/"); err != nil {
		log.Warn("failed to list media", "error", err)
	} else if len(paths) > 0 {
		if err := t.backend.DeleteMedia(ctx, paths); err != nil {
			log.Warn("failed to delete media", "error", err)
		}
	}
	if err := t.backend.SignOut(ctx); err != nil {
		log.Warn("failed to sign out", "error", err)
	}
	log.Info("signed out")
}

// Unload marks the user offline without cleaning anything up, as when the
// client goes away without logging out.
func (t *Tracker) Unload(ctx context.Context) {
	if err := t.backend.MarkOffline(ctx); err != nil {
		t.log.Warn("failed to mark offline on unload", "user_id", t.backend.UserID(), "error", err)
	}
}

// LoggedOut reports whether Expire or Logout ran.
func (t *Tracker) LoggedOut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loggedOut
}
