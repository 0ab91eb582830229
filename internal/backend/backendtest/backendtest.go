// Package backendtest boots an in-process backend for tests of the client
// components.
package backendtest

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"tagarela/internal/auth"
	"tagarela/internal/backend"
	"tagarela/internal/content"
	"tagarela/internal/filestore"
	"tagarela/internal/pubsub"
	"tagarela/internal/storage"
)

const BaseURL = "http://tagarela.test"

// Limits used by the test service.
var Limits = content.Limits{MaxImageBytes: 5 << 20, MaxVideoBytes: 10 << 20}

type Env struct {
	Service *backend.Service
	Store   storage.Store
	Hub     *pubsub.Hub
	Auth    *auth.AuthService
}

// New returns a Service backed by a bbolt file and a file store in a
// temporary directory. Everything is released when the test ends.
func New(t testing.TB) *Env {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.Open("bbolt", filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	as, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")),
		TokenExpiry: time.Hour,
	}, store)
	if err != nil {
		t.Fatalf("failed to create auth service: %v", err)
	}

	files, err := filestore.NewLocalFileStore(filepath.Join(dir, "uploads"))
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	hub := pubsub.NewHub()
	svc := backend.NewService(as, store, hub, files, backend.Settings{BaseURL: BaseURL, Limits: Limits})
	return &Env{Service: svc, Store: store, Hub: hub, Auth: as}
}

// User signs up a fresh user with the given nickname and returns its
// signed-in client.
func (e *Env) User(t testing.TB, nickname string) *backend.Local {
	t.Helper()
	c := backend.NewLocal(e.Service)
	if _, err := c.SignUp(context.Background(), backend.SignUpRequest{
		Email:    nickname + "@example.com",
		Password: "secret-" + nickname,
		Nickname: nickname,
		City:     "Lisboa",
	}); err != nil {
		t.Fatalf("failed to sign up %s: %v", nickname, err)
	}
	return c
}

// PNG returns size bytes that sniff as a PNG image.
func PNG(size int) []byte {
	b := make([]byte, size)
	copy(b, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
	return b
}

// MP4 returns size bytes that sniff as an MP4 video.
func MP4(size int) []byte {
	b := make([]byte, size)
	copy(b, []byte{0, 0, 0, 0x20, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'})
	return b
}
