package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"tagarela/internal/models"
	"tagarela/internal/pubsub"
)

type staticTokens map[string]string

func (s staticTokens) Authenticate(token string) (string, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return "", errors.New("unknown token")
}

func dial(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("token", token)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServer_PublishReachesOtherConnection(t *testing.T) {
	hub := pubsub.NewHub()
	srv := httptest.NewServer(http.HandlerFunc(NewServer(staticTokens{"ta": "alice", "tb": "bob"}, hub).HandleConnections))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	alice := dial(t, url, "ta")
	bob := dial(t, url, "tb")

	require.NoError(t, bob.WriteJSON(ClientFrame{Type: ClientFrameSubscribe, Topic: models.TopicSignals}))
	require.Eventually(t, func() bool {
		return hub.Connected("bob", models.TopicSignals)
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, alice.WriteJSON(ClientFrame{
		Type:    ClientFramePublish,
		Topic:   models.TopicSignals,
		Event:   models.EventSignal,
		Payload: json.RawMessage(`{"type":"offer"}`),
	}))

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame ServerFrame
	require.NoError(t, bob.ReadJSON(&frame))
	require.Equal(t, ServerFrameEvent, frame.Type)
	require.NotNil(t, frame.Envelope)
	require.Equal(t, "alice", frame.Envelope.From)
	require.JSONEq(t, `{"type":"offer"}`, string(frame.Envelope.Payload))
}

func TestServer_RejectsUnknownToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(NewServer(staticTokens{}, pubsub.NewHub()).HandleConnections))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/realtime?token=q", nil)
	require.Equal(t, "q", Token(r))

	r.AddCookie(&http.Cookie{Name: "token", Value: "c"})
	require.Equal(t, "c", Token(r))

	r.Header.Set("token", "h")
	require.Equal(t, "h", Token(r))
}
