package ws

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

type tokenResolver interface {
	Authenticate(token string) (string, error)
}

type Server struct {
	auth     tokenResolver
	hub      topicHub
	upgrader *websocket.Upgrader
}

func NewServer(auth tokenResolver, hub topicHub) *Server {
	return &Server{
		auth: auth,
		hub:  hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // token auth, not cookies alone
			},
		},
	}
}

// Token extracts the session token from the token header, the token
// cookie or the token query parameter, in that order.
func Token(r *http.Request) string {
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie("token"); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(Token(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	if err := NewConnection(s.hub, conn, userID).Handle(r.Context()); err != nil && !websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		log.Printf("websocket connection of %s ended: %v", userID, err)
	}
}
