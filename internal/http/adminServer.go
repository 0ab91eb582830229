package http

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"tagarela/internal/api"
	"tagarela/internal/backend"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAdminServer(svc *backend.Service, onlineWindow time.Duration, addr string) *AdminServer {
	adminHandler := api.NewAdminHandler(svc, onlineWindow)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/online", adminHandler.OnlineHandler)
	mux.HandleFunc("POST /admin/users/{id}/offline", adminHandler.ForceOfflineHandler)

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *AdminServer) Start() error {
	log.Printf("Admin API started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
