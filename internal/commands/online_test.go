package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tagarela/internal/api"
	"tagarela/internal/config"
	"tagarela/internal/models"
)

func adminStub(t *testing.T) *config.Config {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/online", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.OnlineResponse{
			Since: time.Now().Add(-time.Hour),
			Profiles: []models.Profile{
				{ID: "u1", Nickname: "alice", City: "Lisboa", LastActivity: time.Now()},
			},
		})
	})
	mux.HandleFunc("POST /admin/users/{id}/offline", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "u1" {
			http.Error(w, `{"error":"not found","code":"not_found"}`, http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &config.Config{AdminAddr: strings.TrimPrefix(srv.URL, "http://")}
}

func TestOnline(t *testing.T) {
	cfg := adminStub(t)
	var out bytes.Buffer
	if err := Online(cfg, &out); err != nil {
		t.Fatalf("Online failed: %v", err)
	}
	if !strings.Contains(out.String(), "alice") || !strings.Contains(out.String(), "Lisboa") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestForceOffline(t *testing.T) {
	cfg := adminStub(t)
	var out bytes.Buffer
	if err := ForceOffline(cfg, "u1", &out); err != nil {
		t.Fatalf("ForceOffline failed: %v", err)
	}
	if err := ForceOffline(cfg, "u2", &out); err == nil {
		t.Error("expected an error for an unknown user")
	}
}
