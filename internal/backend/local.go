package backend

import (
	"bytes"
	"context"
	"sync"
	"time"

	"tagarela/internal/models"
)

// Local is an in-process Client bound to a Service. It holds the session
// token like a browser would, so an expired or revoked token surfaces as
// models.ErrUnauthenticated exactly as it does over HTTP.
type Local struct {
	svc *Service

	mu      sync.RWMutex
	token   string
	profile models.Profile
}

func NewLocal(svc *Service) *Local {
	return &Local{svc: svc}
}

func (l *Local) actor() (string, error) {
	l.mu.RLock()
	token := l.token
	l.mu.RUnlock()
	return l.svc.Authenticate(token)
}

func (l *Local) setSession(s Session) {
	l.mu.Lock()
	l.token = s.Token
	l.profile = s.Profile
	l.mu.Unlock()
}

func (l *Local) SignUp(_ context.Context, req SignUpRequest) (models.Profile, error) {
	s, err := l.svc.SignUp(req)
	if err != nil {
		return models.Profile{}, err
	}
	l.setSession(s)
	return s.Profile, nil
}

func (l *Local) SignIn(_ context.Context, email, password string) (models.Profile, error) {
	s, err := l.svc.SignIn(email, password)
	if err != nil {
		return models.Profile{}, err
	}
	l.setSession(s)
	return s.Profile, nil
}

func (l *Local) SignOut(context.Context) error {
	l.mu.Lock()
	token := l.token
	l.token = ""
	l.mu.Unlock()
	if token == "" {
		return nil
	}
	return l.svc.SignOut(token)
}

func (l *Local) CurrentUser(context.Context) (models.Profile, error) {
	actor, err := l.actor()
	if err != nil {
		return models.Profile{}, err
	}
	return l.svc.GetProfile(actor, actor)
}

// UserID returns the id of the signed-in user, or "" before sign-in.
func (l *Local) UserID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.profile.ID
}

func (l *Local) GetProfile(_ context.Context, id string) (models.Profile, error) {
	actor, err := l.actor()
	if err != nil {
		return models.Profile{}, err
	}
	return l.svc.GetProfile(actor, id)
}

func (l *Local) UpdateProfile(_ context.Context, upd models.ProfileUpdate) (models.Profile, error) {
	actor, err := l.actor()
	if err != nil {
		return models.Profile{}, err
	}
	return l.svc.UpdateProfile(actor, upd)
}

func (l *Local) TouchActivity(_ context.Context, at time.Time) error {
	actor, err := l.actor()
	if err != nil {
		return err
	}
	return l.svc.TouchActivity(actor, at)
}

func (l *Local) MarkOffline(context.Context) error {
	actor, err := l.actor()
	if err != nil {
		return err
	}
	return l.svc.MarkOffline(actor)
}

func (l *Local) ActiveProfiles(_ context.Context, since time.Time) ([]models.Profile, error) {
	if _, err := l.actor(); err != nil {
		return nil, err
	}
	return l.svc.ActiveProfiles(since)
}

func (l *Local) InsertMessage(_ context.Context, msg models.Message) (models.Message, error) {
	actor, err := l.actor()
	if err != nil {
		return models.Message{}, err
	}
	return l.svc.InsertMessage(actor, msg)
}

func (l *Local) PublicMessages(_ context.Context, limit int) ([]models.Message, error) {
	if _, err := l.actor(); err != nil {
		return nil, err
	}
	return l.svc.PublicMessages(limit)
}

func (l *Local) PrivateMessages(_ context.Context, otherID string, limit int) ([]models.Message, error) {
	actor, err := l.actor()
	if err != nil {
		return nil, err
	}
	return l.svc.PrivateMessages(actor, otherID, limit)
}

func (l *Local) DeleteOwnMessages(context.Context) (int, error) {
	actor, err := l.actor()
	if err != nil {
		return 0, err
	}
	return l.svc.DeleteOwnMessages(actor)
}

func (l *Local) Block(_ context.Context, userID string) error {
	actor, err := l.actor()
	if err != nil {
		return err
	}
	return l.svc.Block(actor, userID)
}

func (l *Local) Unblock(_ context.Context, userID string) error {
	actor, err := l.actor()
	if err != nil {
		return err
	}
	return l.svc.Unblock(actor, userID)
}

func (l *Local) Blocked(context.Context) ([]string, error) {
	actor, err := l.actor()
	if err != nil {
		return nil, err
	}
	return l.svc.Blocked(actor)
}

func (l *Local) BlockStatus(_ context.Context, userID string) (models.BlockStatus, error) {
	actor, err := l.actor()
	if err != nil {
		return models.BlockStatus{}, err
	}
	return l.svc.BlockStatus(actor, userID)
}

func (l *Local) UploadMedia(_ context.Context, path string, data []byte) (string, error) {
	actor, err := l.actor()
	if err != nil {
		return "", err
	}
	return l.svc.UploadMedia(actor, path, bytes.NewReader(data))
}

func (l *Local) ListMedia(_ context.Context, prefix string) ([]string, error) {
	actor, err := l.actor()
	if err != nil {
		return nil, err
	}
	return l.svc.ListMedia(actor, prefix)
}

func (l *Local) DeleteMedia(_ context.Context, paths []string) error {
	actor, err := l.actor()
	if err != nil {
		return err
	}
	return l.svc.DeleteMedia(actor, paths)
}

func (l *Local) Publish(_ context.Context, topic, event string, payload any) error {
	actor, err := l.actor()
	if err != nil {
		return err
	}
	_, err = l.svc.Publish(actor, topic, event, payload)
	return err
}

// Subscribe registers on topic until ctx is done or the returned cancel
// func is called.
func (l *Local) Subscribe(ctx context.Context, topic string) (<-chan models.Envelope, func(), error) {
	actor, err := l.actor()
	if err != nil {
		return nil, nil, err
	}
	ch, unsubscribe, err := l.svc.Subscribe(actor, topic)
	if err != nil {
		return nil, nil, err
	}

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			unsubscribe()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel, nil
}

func (l *Local) AddPushSubscription(_ context.Context, sub models.PushSubscription) error {
	actor, err := l.actor()
	if err != nil {
		return err
	}
	return l.svc.AddPushSubscription(actor, sub)
}
