package http

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"tagarela/internal/api"
	"tagarela/internal/backend"
	"tagarela/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(svc *backend.Service, addr string) *APIServer {
	if addr == "" {
		addr = ":8080"
	}
	return &APIServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           NewAPIHandler(svc),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// NewAPIHandler builds the public route table.
func NewAPIHandler(svc *backend.Service) http.Handler {
	realtime := ws.NewServer(svc, svc)
	h := api.New(svc)
	auth := h.RequireAuth
	mutating := func(next http.HandlerFunc) http.HandlerFunc {
		return api.RequireSameOrigin(h.RequireAuth(next))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/signup", api.RequireSameOrigin(h.SignUpHandler))
	mux.HandleFunc("POST /api/signin", api.RequireSameOrigin(h.SignInHandler))
	mux.HandleFunc("POST /api/signout", api.RequireSameOrigin(h.SignOutHandler))
	mux.HandleFunc("GET /api/me", auth(h.MeHandler))

	mux.HandleFunc("POST /api/profiles/me", mutating(h.UpdateProfileHandler))
	mux.HandleFunc("GET /api/profiles/online", auth(h.OnlineProfilesHandler))
	mux.HandleFunc("GET /api/profiles/{id}", auth(h.ProfileHandler))
	mux.HandleFunc("POST /api/activity", mutating(h.ActivityHandler))
	mux.HandleFunc("POST /api/offline", mutating(h.OfflineHandler))

	mux.HandleFunc("POST /api/messages", mutating(h.InsertMessageHandler))
	mux.HandleFunc("GET /api/messages/public", auth(h.PublicMessagesHandler))
	mux.HandleFunc("GET /api/messages/private/{otherId}", auth(h.PrivateMessagesHandler))
	mux.HandleFunc("DELETE /api/messages/mine", mutating(h.DeleteOwnMessagesHandler))

	mux.HandleFunc("GET /api/blocks", auth(h.BlockedHandler))
	mux.HandleFunc("POST /api/blocks/{id}", mutating(h.BlockHandler))
	mux.HandleFunc("DELETE /api/blocks/{id}", mutating(h.UnblockHandler))
	mux.HandleFunc("GET /api/blocks/{id}/status", auth(h.BlockStatusHandler))

	mux.HandleFunc("PUT /api/media/{path...}", mutating(h.UploadMediaHandler))
	mux.HandleFunc("GET /api/media", auth(h.ListMediaHandler))
	mux.HandleFunc("POST /api/media/delete", mutating(h.DeleteMediaHandler))
	mux.HandleFunc("GET /media/{path...}", h.MediaHandler)

	mux.HandleFunc("POST /api/push/subscriptions", mutating(h.PushSubscriptionHandler))
	mux.HandleFunc("POST /api/topics/{topic}", mutating(h.PublishHandler))

	mux.HandleFunc("GET /api/realtime", realtime.HandleConnections)

	return mux
}

func (s *APIServer) Start() error {
	log.Printf("API server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
