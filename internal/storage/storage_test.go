package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"tagarela/internal/auth"
	"tagarela/internal/models"
)

func forEachDriver(t *testing.T, fn func(t *testing.T, store Store)) {
	for _, driver := range []string{"bbolt", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			store, err := Open(driver, filepath.Join(t.TempDir(), "test.db"))
			if err != nil {
				t.Fatalf("failed to create storage: %v", err)
			}
			defer func() { _ = store.Close() }()
			fn(t, store)
		})
	}
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestCredentials(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Store) {
		creds := auth.Credentials{UserID: "user1", Email: "alice@example.com", PasswordHash: "hash"}
		if err := store.UpsertCredentials(creds); err != nil {
			t.Fatalf("UpsertCredentials failed: %v", err)
		}

		creds.FailedLoginAttempts = 2
		if err := store.UpsertCredentials(creds); err != nil {
			t.Fatalf("UpsertCredentials update failed: %v", err)
		}

		list, err := store.ListCredentials()
		if err != nil {
			t.Fatalf("ListCredentials failed: %v", err)
		}
		if len(list) != 1 {
			t.Fatalf("expected 1 credential, got %d", len(list))
		}
		if list[0] != creds {
			t.Errorf("expected %+v, got %+v", creds, list[0])
		}
	})
}

func TestProfiles(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Store) {
		profiles := []models.Profile{
			{ID: "u1", Nickname: "Alice", City: "Lisbon", Email: "a@x", LastActivity: t0},
			{ID: "u2", Nickname: "bob", City: "Porto", Email: "b@x", LastActivity: t0.Add(-20 * time.Minute)},
			{ID: "u3", Nickname: "carol", City: "Faro", Email: "c@x", LastActivity: t0.Add(-40 * time.Minute)},
		}
		for _, p := range profiles {
			if err := store.UpsertProfile(p); err != nil {
				t.Fatalf("UpsertProfile failed: %v", err)
			}
		}

		got, err := store.GetProfile("u1")
		if err != nil {
			t.Fatalf("GetProfile failed: %v", err)
		}
		if got.Nickname != "Alice" || got.City != "Lisbon" || got.Email != "a@x" || !got.LastActivity.Equal(t0) {
			t.Errorf("expected %+v, got %+v", profiles[0], got)
		}

		if _, err := store.GetProfile("missing"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		found, err := store.FindProfileByNickname("ALICE")
		if err != nil || found.ID != "u1" {
			t.Errorf("FindProfileByNickname() = %+v, %v", found, err)
		}
		if _, err := store.FindProfileByNickname("dave"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		active, err := store.ListActiveProfiles(t0.Add(-30 * time.Minute))
		if err != nil {
			t.Fatalf("ListActiveProfiles failed: %v", err)
		}
		if len(active) != 2 || active[0].ID != "u1" || active[1].ID != "u2" {
			t.Errorf("unexpected active profiles: %+v", active)
		}

		if err := store.TouchActivity("u3", t0.Add(time.Minute)); err != nil {
			t.Fatalf("TouchActivity failed: %v", err)
		}
		active, _ = store.ListActiveProfiles(t0.Add(-30 * time.Minute))
		if len(active) != 3 || active[0].ID != "u3" {
			t.Errorf("expected u3 first after touch, got %+v", active)
		}

		if err := store.TouchActivity("missing", t0); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestMessages(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Store) {
		msgs := []models.Message{
			{ID: "m1", SenderID: "u1", Body: "hello all", Type: models.MessageTypePublic, CreatedAt: t0},
			{ID: "m2", SenderID: "u1", RecipientID: "u2", Body: "psst", Type: models.MessageTypePrivate, CreatedAt: t0.Add(time.Second)},
			{ID: "m3", SenderID: "u2", RecipientID: "u1", Body: "hey", Type: models.MessageTypePrivate, CreatedAt: t0.Add(2 * time.Second)},
			{ID: "m4", SenderID: "u3", RecipientID: "u2", Body: "other", Type: models.MessageTypePrivate, CreatedAt: t0.Add(3 * time.Second)},
			{ID: "m5", SenderID: "u2", Type: models.MessageTypePublic, CreatedAt: t0.Add(4 * time.Second),
				Media: &models.Media{Type: models.MediaTypeImage, URL: "http://x/media/u2/m5.png"}},
		}
		for _, m := range msgs {
			if err := store.InsertMessage(m); err != nil {
				t.Fatalf("InsertMessage(%s) failed: %v", m.ID, err)
			}
		}

		if err := store.InsertMessage(msgs[0]); !errors.Is(err, models.ErrConflict) {
			t.Errorf("expected ErrConflict for duplicate id, got %v", err)
		}

		public, err := store.ListPublicMessages(0)
		if err != nil {
			t.Fatalf("ListPublicMessages failed: %v", err)
		}
		if len(public) != 2 || public[0].ID != "m1" || public[1].ID != "m5" {
			t.Fatalf("unexpected public messages: %+v", public)
		}
		if public[1].Media == nil || public[1].Media.Type != models.MediaTypeImage {
			t.Errorf("expected media on m5, got %+v", public[1].Media)
		}
		if !public[0].CreatedAt.Equal(t0) {
			t.Errorf("expected created at %v, got %v", t0, public[0].CreatedAt)
		}

		latest, _ := store.ListPublicMessages(1)
		if len(latest) != 1 || latest[0].ID != "m5" {
			t.Errorf("expected newest public message only, got %+v", latest)
		}

		private, err := store.ListPrivateMessages("u2", "u1", 10)
		if err != nil {
			t.Fatalf("ListPrivateMessages failed: %v", err)
		}
		if len(private) != 2 || private[0].ID != "m2" || private[1].ID != "m3" {
			t.Errorf("unexpected private messages: %+v", private)
		}

		n, err := store.DeleteMessagesByUser("u1")
		if err != nil {
			t.Fatalf("DeleteMessagesByUser failed: %v", err)
		}
		if n != 3 {
			t.Errorf("expected 3 deleted messages, got %d", n)
		}
		public, _ = store.ListPublicMessages(0)
		if len(public) != 1 || public[0].ID != "m5" {
			t.Errorf("unexpected public messages after delete: %+v", public)
		}
		private, _ = store.ListPrivateMessages("u3", "u2", 0)
		if len(private) != 1 {
			t.Errorf("unrelated private message must survive, got %+v", private)
		}

		// Deleted ids may be reused.
		if err := store.InsertMessage(msgs[0]); err != nil {
			t.Errorf("expected re-insert after delete to succeed, got %v", err)
		}
	})
}

func TestBlocks(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Store) {
		for _, id := range []string{"u2", "u3", "u2"} {
			if err := store.InsertBlock(models.Block{BlockerID: "u1", BlockedID: id, CreatedAt: t0}); err != nil {
				t.Fatalf("InsertBlock failed: %v", err)
			}
		}

		blocked, err := store.ListBlocked("u1")
		if err != nil {
			t.Fatalf("ListBlocked failed: %v", err)
		}
		if fmt.Sprint(blocked) != "[u2 u3]" {
			t.Errorf("expected [u2 u3], got %v", blocked)
		}

		if ok, _ := store.IsBlocked("u1", "u2"); !ok {
			t.Error("expected u1 to block u2")
		}
		if ok, _ := store.IsBlocked("u2", "u1"); ok {
			t.Error("blocks are directed")
		}

		if err := store.DeleteBlock("u1", "u2"); err != nil {
			t.Fatalf("DeleteBlock failed: %v", err)
		}
		if ok, _ := store.IsBlocked("u1", "u2"); ok {
			t.Error("expected block to be removed")
		}
		if err := store.DeleteBlock("u1", "u2"); err != nil {
			t.Errorf("deleting a missing block must not fail: %v", err)
		}
	})
}

func TestPushSubscriptions(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Store) {
		var sub models.PushSubscription
		sub.Endpoint = "https://push.example.com/1"
		sub.Keys.Auth = "auth"
		sub.Keys.P256dh = "key"

		if err := store.AddPushSubscription("u1", sub); err != nil {
			t.Fatalf("AddPushSubscription failed: %v", err)
		}
		if err := store.AddPushSubscription("u1", sub); err != nil {
			t.Fatalf("AddPushSubscription twice failed: %v", err)
		}

		subs, err := store.ListPushSubscriptions("u1")
		if err != nil {
			t.Fatalf("ListPushSubscriptions failed: %v", err)
		}
		if len(subs) != 1 || subs[0] != sub {
			t.Errorf("unexpected subscriptions: %+v", subs)
		}
		if subs, _ := store.ListPushSubscriptions("u10"); len(subs) != 0 {
			t.Errorf("u10 has no subscriptions, got %+v", subs)
		}
	})
}

func TestFileMetadata(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store Store) {
		for _, p := range []string{"u1/m1.png", "u1/m2.mp4", "u10/m3.png"} {
			meta := FileMetadata{Path: p, OwnerID: "u1", MimeType: "image/png", Size: 10, CreatedAt: t0.UnixNano()}
			if err := store.UpsertFileMetadata(meta); err != nil {
				t.Fatalf("UpsertFileMetadata failed: %v", err)
			}
		}

		files, err := store.ListFileMetadata("u1/")
		if err != nil {
			t.Fatalf("ListFileMetadata failed: %v", err)
		}
		if len(files) != 2 || files[0].Path != "u1/m1.png" {
			t.Fatalf("unexpected files: %+v", files)
		}
		if got := time.Unix(0, files[0].CreatedAt); !got.Equal(t0) {
			t.Errorf("expected created at %v, got %v", t0, got)
		}

		if err := store.DeleteFileMetadata("u1/m1.png"); err != nil {
			t.Fatalf("DeleteFileMetadata failed: %v", err)
		}
		files, _ = store.ListFileMetadata("u1/")
		if len(files) != 1 || files[0].Path != "u1/m2.mp4" {
			t.Errorf("unexpected files after delete: %+v", files)
		}
	})
}
