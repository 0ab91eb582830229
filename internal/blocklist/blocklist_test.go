package blocklist

import (
	"context"
	"errors"
	"slices"
	"testing"

	"tagarela/internal/backend/backendtest"
	"tagarela/internal/models"
)

func TestList(t *testing.T) {
	env := backendtest.New(t)
	ctx := context.Background()
	alice := env.User(t, "alice")
	bob := env.User(t, "bob")
	carol := env.User(t, "carol")

	al := New(alice)
	if err := al.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(al.Blocked()) != 0 {
		t.Fatalf("expected empty list, got %v", al.Blocked())
	}

	if err := al.Block(ctx, alice.UserID()); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected ErrValidation blocking self, got %v", err)
	}

	if err := al.Block(ctx, bob.UserID()); err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	if err := al.Block(ctx, bob.UserID()); err != nil {
		t.Fatalf("second Block should be idempotent, got %v", err)
	}
	if !al.IsBlocked(bob.UserID()) || al.IsBlocked(carol.UserID()) {
		t.Errorf("unexpected local state: %v", al.Blocked())
	}

	bl := New(bob)
	if err := bl.Load(ctx); err != nil {
		t.Fatal(err)
	}
	blockedBy, err := bl.IsBlockedBy(ctx, alice.UserID())
	if err != nil || !blockedBy {
		t.Errorf("expected bob to see he is blocked by alice, got %v, %v", blockedBy, err)
	}

	t.Run("CanOpenPrivate", func(t *testing.T) {
		if err := al.CanOpenPrivate(ctx, bob.UserID()); !errors.Is(err, models.ErrBlocked) {
			t.Errorf("blocker: expected ErrBlocked, got %v", err)
		}
		if err := bl.CanOpenPrivate(ctx, alice.UserID()); !errors.Is(err, models.ErrBlocked) {
			t.Errorf("blocked: expected ErrBlocked, got %v", err)
		}
		if err := al.CanOpenPrivate(ctx, carol.UserID()); err != nil {
			t.Errorf("unrelated user: unexpected %v", err)
		}
	})

	// A fresh list sees the stored edge.
	again := New(alice)
	if err := again.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(again.Blocked(), []string{bob.UserID()}) {
		t.Errorf("stored edges not loaded: %v", again.Blocked())
	}

	if err := al.Unblock(ctx, bob.UserID()); err != nil {
		t.Fatalf("Unblock failed: %v", err)
	}
	if al.IsBlocked(bob.UserID()) {
		t.Error("still blocked after Unblock")
	}
	if err := bl.CanOpenPrivate(ctx, alice.UserID()); err != nil {
		t.Errorf("unexpected %v after unblock", err)
	}
}

type unavailable struct{}

func (unavailable) UserID() string { return "me" }

func (unavailable) Blocked(context.Context) ([]string, error) { return nil, models.ErrUnavailable }

func (unavailable) Block(context.Context, string) error { return models.ErrUnavailable }

func (unavailable) Unblock(context.Context, string) error { return models.ErrUnavailable }

func (unavailable) BlockStatus(context.Context, string) (models.BlockStatus, error) {
	return models.BlockStatus{}, models.ErrUnavailable
}

func TestList_BackendFailureLeavesStateUntouched(t *testing.T) {
	l := New(unavailable{})
	if err := l.Block(context.Background(), "x"); !models.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
	if l.IsBlocked("x") {
		t.Error("edge applied locally although the store rejected it")
	}
	if err := l.CanOpenPrivate(context.Background(), "x"); !models.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}
