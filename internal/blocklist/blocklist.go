// Package blocklist keeps the signed-in user's outgoing block edges and
// answers visibility questions for the message feed and the roster.
package blocklist

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"tagarela/internal/models"
)

type blockBackend interface {
	UserID() string
	Blocked(ctx context.Context) ([]string, error)
	Block(ctx context.Context, userID string) error
	Unblock(ctx context.Context, userID string) error
	BlockStatus(ctx context.Context, userID string) (models.BlockStatus, error)
}

type List struct {
	backend blockBackend

	mu      sync.RWMutex
	blocked map[string]struct{}
}

func New(backend blockBackend) *List {
	return &List{backend: backend, blocked: make(map[string]struct{})}
}

// Load replaces the local set with the stored edges.
func (l *List) Load(ctx context.Context) error {
	ids, err := l.backend.Blocked(ctx)
	if err != nil {
		return fmt.Errorf("failed to load block list: %w", err)
	}
	blocked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		blocked[id] = struct{}{}
	}
	l.mu.Lock()
	l.blocked = blocked
	l.mu.Unlock()
	return nil
}

// Block stores the edge first and only then hides the user locally.
func (l *List) Block(ctx context.Context, userID string) error {
	if userID == l.backend.UserID() {
		return models.Validationf("cannot block yourself")
	}
	if err := l.backend.Block(ctx, userID); err != nil {
		return err
	}
	l.mu.Lock()
	l.blocked[userID] = struct{}{}
	l.mu.Unlock()
	return nil
}

func (l *List) Unblock(ctx context.Context, userID string) error {
	if err := l.backend.Unblock(ctx, userID); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.blocked, userID)
	l.mu.Unlock()
	return nil
}

// IsBlocked reports whether self blocked userID. It never touches the network.
func (l *List) IsBlocked(userID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.blocked[userID]
	return ok
}

// IsBlockedBy reports whether userID blocked self.
func (l *List) IsBlockedBy(ctx context.Context, userID string) (bool, error) {
	status, err := l.backend.BlockStatus(ctx, userID)
	if err != nil {
		return false, err
	}
	return status.BlockedBy, nil
}

// CanOpenPrivate fails with models.ErrBlocked when either side blocked the other.
func (l *List) CanOpenPrivate(ctx context.Context, userID string) error {
	if l.IsBlocked(userID) {
		return fmt.Errorf("%w: you blocked this user", models.ErrBlocked)
	}
	blockedBy, err := l.IsBlockedBy(ctx, userID)
	if err != nil {
		return err
	}
	if blockedBy {
		return fmt.Errorf("%w: this user blocked you", models.ErrBlocked)
	}
	return nil
}

// Blocked returns the blocked ids, sorted.
func (l *List) Blocked() []string {
	l.mu.RLock()
	ids := make([]string, 0, len(l.blocked))
	for id := range l.blocked {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	slices.Sort(ids)
	return ids
}
