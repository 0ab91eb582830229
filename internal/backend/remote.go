package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tagarela/internal/models"
	"tagarela/internal/ws"
)

const subscriptionBuffer = 256

// Remote is a Client talking to the API server over HTTP, with a single
// shared websocket for topic subscriptions.
type Remote struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer

	mu      sync.RWMutex
	token   string
	profile models.Profile

	rtMu sync.Mutex
	rt   *realtime
}

func NewRemote(baseURL string) *Remote {
	return &Remote{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		dialer:  websocket.DefaultDialer,
	}
}

func (r *Remote) currentToken() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.token
}

func (r *Remote) setSession(s Session) {
	r.mu.Lock()
	r.token = s.Token
	r.profile = s.Profile
	r.mu.Unlock()
}

// do performs one API call. Non-2xx answers are turned back into the
// sentinel errors of the models package; transport failures wrap
// models.ErrUnavailable.
func (r *Remote) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out any) error {
	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := r.currentToken(); token != "" {
		req.Header.Set("token", token)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", models.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e models.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == "" {
			e.Code = codeForStatus(resp.StatusCode)
			e.Error = resp.Status
		}
		return &models.CodeError{Code: e.Code, Message: e.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (r *Remote) doJSON(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return r.do(ctx, method, path, query, body, contentType, out)
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return models.CodeValidation
	case http.StatusUnauthorized:
		return models.CodeUnauthenticated
	case http.StatusForbidden:
		return models.CodeForbidden
	case http.StatusNotFound:
		return models.CodeNotFound
	case http.StatusConflict:
		return models.CodeConflict
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return models.CodeUnavailable
	default:
		return models.CodeInternal
	}
}

func (r *Remote) SignUp(ctx context.Context, req SignUpRequest) (models.Profile, error) {
	var s Session
	if err := r.doJSON(ctx, http.MethodPost, "/api/signup", nil, req, &s); err != nil {
		return models.Profile{}, err
	}
	r.setSession(s)
	return s.Profile, nil
}

func (r *Remote) SignIn(ctx context.Context, email, password string) (models.Profile, error) {
	var s Session
	if err := r.doJSON(ctx, http.MethodPost, "/api/signin", nil, SignInRequest{Email: email, Password: password}, &s); err != nil {
		return models.Profile{}, err
	}
	r.setSession(s)
	return s.Profile, nil
}

// SignOut revokes the session and drops the realtime connection.
func (r *Remote) SignOut(ctx context.Context) error {
	if r.currentToken() == "" {
		return nil
	}
	err := r.doJSON(ctx, http.MethodPost, "/api/signout", nil, nil, nil)
	r.mu.Lock()
	r.token = ""
	r.mu.Unlock()
	r.Close()
	return err
}

func (r *Remote) CurrentUser(ctx context.Context) (models.Profile, error) {
	var p models.Profile
	err := r.doJSON(ctx, http.MethodGet, "/api/me", nil, nil, &p)
	return p, err
}

func (r *Remote) UserID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profile.ID
}

func (r *Remote) GetProfile(ctx context.Context, id string) (models.Profile, error) {
	var p models.Profile
	err := r.doJSON(ctx, http.MethodGet, "/api/profiles/"+url.PathEscape(id), nil, nil, &p)
	return p, err
}

func (r *Remote) UpdateProfile(ctx context.Context, upd models.ProfileUpdate) (models.Profile, error) {
	var p models.Profile
	err := r.doJSON(ctx, http.MethodPost, "/api/profiles/me", nil, upd, &p)
	return p, err
}

func (r *Remote) TouchActivity(ctx context.Context, at time.Time) error {
	return r.doJSON(ctx, http.MethodPost, "/api/activity", nil, ActivityRequest{At: at}, nil)
}

func (r *Remote) MarkOffline(ctx context.Context) error {
	return r.doJSON(ctx, http.MethodPost, "/api/offline", nil, nil, nil)
}

func (r *Remote) ActiveProfiles(ctx context.Context, since time.Time) ([]models.Profile, error) {
	var out []models.Profile
	q := url.Values{"since": {since.UTC().Format(time.RFC3339Nano)}}
	err := r.doJSON(ctx, http.MethodGet, "/api/profiles/online", q, nil, &out)
	return out, err
}

func (r *Remote) InsertMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	var out models.Message
	err := r.doJSON(ctx, http.MethodPost, "/api/messages", nil, msg, &out)
	return out, err
}

func (r *Remote) PublicMessages(ctx context.Context, limit int) ([]models.Message, error) {
	var out []models.Message
	err := r.doJSON(ctx, http.MethodGet, "/api/messages/public", limitQuery(limit), nil, &out)
	return out, err
}

func (r *Remote) PrivateMessages(ctx context.Context, otherID string, limit int) ([]models.Message, error) {
	var out []models.Message
	err := r.doJSON(ctx, http.MethodGet, "/api/messages/private/"+url.PathEscape(otherID), limitQuery(limit), nil, &out)
	return out, err
}

func limitQuery(limit int) url.Values {
	return url.Values{"limit": {strconv.Itoa(limit)}}
}

func (r *Remote) DeleteOwnMessages(ctx context.Context) (int, error) {
	var out DeleteMessagesResponse
	err := r.doJSON(ctx, http.MethodDelete, "/api/messages/mine", nil, nil, &out)
	return out.Deleted, err
}

func (r *Remote) Block(ctx context.Context, userID string) error {
	return r.doJSON(ctx, http.MethodPost, "/api/blocks/"+url.PathEscape(userID), nil, nil, nil)
}

func (r *Remote) Unblock(ctx context.Context, userID string) error {
	return r.doJSON(ctx, http.MethodDelete, "/api/blocks/"+url.PathEscape(userID), nil, nil, nil)
}

func (r *Remote) Blocked(ctx context.Context) ([]string, error) {
	var out []string
	err := r.doJSON(ctx, http.MethodGet, "/api/blocks", nil, nil, &out)
	return out, err
}

func (r *Remote) BlockStatus(ctx context.Context, userID string) (models.BlockStatus, error) {
	var out models.BlockStatus
	err := r.doJSON(ctx, http.MethodGet, "/api/blocks/"+url.PathEscape(userID)+"/status", nil, nil, &out)
	return out, err
}

func (r *Remote) UploadMedia(ctx context.Context, path string, data []byte) (string, error) {
	var out UploadResponse
	err := r.do(ctx, http.MethodPut, "/api/media/"+path, nil, bytes.NewReader(data), "application/octet-stream", &out)
	return out.URL, err
}

func (r *Remote) ListMedia(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := r.doJSON(ctx, http.MethodGet, "/api/media", url.Values{"prefix": {prefix}}, nil, &out)
	return out, err
}

func (r *Remote) DeleteMedia(ctx context.Context, paths []string) error {
	return r.doJSON(ctx, http.MethodPost, "/api/media/delete", nil, DeleteMediaRequest{Paths: paths}, nil)
}

func (r *Remote) AddPushSubscription(ctx context.Context, sub models.PushSubscription) error {
	return r.doJSON(ctx, http.MethodPost, "/api/push/subscriptions", nil, sub, nil)
}

// Publish goes over HTTP so authorization failures reach the caller.
func (r *Remote) Publish(ctx context.Context, topic, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.doJSON(ctx, http.MethodPost, "/api/topics/"+url.PathEscape(topic), nil, PublishRequest{Event: event, Payload: raw}, nil)
}

// Subscribe registers on topic over the shared websocket, dialing it on
// first use. The channel is closed when the subscription is cancelled,
// when ctx is done or when the websocket drops.
func (r *Remote) Subscribe(ctx context.Context, topic string) (<-chan models.Envelope, func(), error) {
	rt, err := r.realtime(ctx)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel, err := rt.subscribe(topic)
	if err != nil {
		return nil, nil, err
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-rt.done:
		}
	}()
	return ch, cancel, nil
}

// Close drops the realtime connection, ending every subscription.
func (r *Remote) Close() {
	r.rtMu.Lock()
	rt := r.rt
	r.rt = nil
	r.rtMu.Unlock()
	if rt != nil {
		_ = rt.conn.Close()
	}
}

func (r *Remote) realtime(ctx context.Context) (*realtime, error) {
	r.rtMu.Lock()
	defer r.rtMu.Unlock()
	if r.rt != nil && !r.rt.isClosed() {
		return r.rt, nil
	}

	u, err := url.Parse(r.baseURL + "/api/realtime")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	header.Set("token", r.currentToken())
	conn, resp, err := r.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, models.ErrUnauthenticated
		}
		return nil, fmt.Errorf("%w: %v", models.ErrUnavailable, err)
	}

	r.rt = newRealtime(conn)
	go r.rt.readLoop()
	return r.rt, nil
}

type realtime struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}

	mu     sync.Mutex
	subs   map[string]map[uint64]chan models.Envelope
	next   uint64
	closed bool
}

func newRealtime(conn *websocket.Conn) *realtime {
	return &realtime{
		conn: conn,
		done: make(chan struct{}),
		subs: make(map[string]map[uint64]chan models.Envelope),
	}
}

func (rt *realtime) isClosed() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closed
}

func (rt *realtime) write(frame ws.ClientFrame) error {
	rt.writeMu.Lock()
	defer rt.writeMu.Unlock()
	if err := rt.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("%w: %v", models.ErrUnavailable, err)
	}
	return nil
}

func (rt *realtime) subscribe(topic string) (<-chan models.Envelope, func(), error) {
	if !models.KnownTopic(topic) {
		return nil, nil, models.Validationf("unknown topic %q", topic)
	}

	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: realtime connection closed", models.ErrUnavailable)
	}
	subs, ok := rt.subs[topic]
	if !ok {
		subs = make(map[uint64]chan models.Envelope)
		rt.subs[topic] = subs
	}
	first := len(subs) == 0
	rt.next++
	id := rt.next
	ch := make(chan models.Envelope, subscriptionBuffer)
	subs[id] = ch
	rt.mu.Unlock()

	if first {
		if err := rt.write(ws.ClientFrame{Type: ws.ClientFrameSubscribe, Topic: topic}); err != nil {
			rt.remove(topic, id)
			return nil, nil, err
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if last := rt.remove(topic, id); last {
				_ = rt.write(ws.ClientFrame{Type: ws.ClientFrameUnsubscribe, Topic: topic})
			}
		})
	}
	return ch, cancel, nil
}

// remove closes one subscriber channel and reports whether it was the last
// one of the topic.
func (rt *realtime) remove(topic string, id uint64) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ch, ok := rt.subs[topic][id]
	if !ok {
		return false
	}
	delete(rt.subs[topic], id)
	close(ch)
	return len(rt.subs[topic]) == 0 && !rt.closed
}

func (rt *realtime) readLoop() {
	defer rt.shutdown()
	for {
		var frame ws.ServerFrame
		if err := rt.conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, net.ErrClosed) {
				slog.Warn("realtime connection dropped", "error", err)
			}
			return
		}
		switch frame.Type {
		case ws.ServerFrameEvent:
			if frame.Envelope != nil {
				rt.dispatch(*frame.Envelope)
			}
		case ws.ServerFrameError:
			slog.Warn("realtime server rejected a frame", "topic", frame.Topic, "error", frame.Message)
		}
	}
}

func (rt *realtime) dispatch(env models.Envelope) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, ch := range rt.subs[env.Topic] {
		select {
		case ch <- env:
		default:
			slog.Warn("subscriber buffer full, dropping envelope", "topic", env.Topic, "envelope_id", env.ID)
		}
	}
}

func (rt *realtime) shutdown() {
	rt.mu.Lock()
	rt.closed = true
	for topic, subs := range rt.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(rt.subs, topic)
	}
	rt.mu.Unlock()
	close(rt.done)
	_ = rt.conn.Close()
}
