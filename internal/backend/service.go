package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"tagarela/internal/auth"
	"tagarela/internal/content"
	"tagarela/internal/filestore"
	"tagarela/internal/models"
	"tagarela/internal/storage"
)

// OfflineBackdate is how far last_activity is moved into the past when a
// user is marked offline, so no roster window can still include them.
const OfflineBackdate = 365 * 24 * time.Hour

// Auth is the session side of the Service.
type Auth interface {
	Register(email, password string) (auth.Credentials, error)
	Login(email, password string) (token string, userID string, err error)
	Logoff(token string) error
	GetUserID(token string) (string, error)
	TokenExpiryAt() time.Time
}

type broker interface {
	Publish(from, topic, event string, payload any) (models.Envelope, error)
	Subscribe(userID, topic string) (<-chan models.Envelope, func(), error)
}

// Settings are the server-side knobs of the Service.
type Settings struct {
	BaseURL string
	Limits  content.Limits
}

// Service is the server core. Every operation takes the acting user id and
// enforces row-level authorization before touching the store.
type Service struct {
	auth     Auth
	store    storage.Store
	hub      broker
	files    filestore.FileStore
	settings Settings

	now func() time.Time
}

func NewService(auth Auth, store storage.Store, hub broker, files filestore.FileStore, settings Settings) *Service {
	return &Service{
		auth:     auth,
		store:    store,
		hub:      hub,
		files:    files,
		settings: settings,
		now:      time.Now,
	}
}

// SignUp registers a user and opens a session for them.
func (s *Service) SignUp(req SignUpRequest) (Session, error) {
	if err := content.ValidateNickname(req.Nickname); err != nil {
		return Session{}, err
	}
	city, err := content.ValidateCity(req.City)
	if err != nil {
		return Session{}, err
	}
	if _, err := s.store.FindProfileByNickname(req.Nickname); err == nil {
		return Session{}, fmt.Errorf("%w: nickname %q is taken", models.ErrConflict, req.Nickname)
	} else if !errors.Is(err, models.ErrNotFound) {
		return Session{}, err
	}

	creds, err := s.auth.Register(req.Email, req.Password)
	if err != nil {
		return Session{}, err
	}
	profile := models.Profile{
		ID:           creds.UserID,
		Nickname:     req.Nickname,
		City:         city,
		Email:        creds.Email,
		LastActivity: s.now().UTC(),
	}
	if err := s.store.UpsertProfile(profile); err != nil {
		return Session{}, fmt.Errorf("failed to create profile: %w", err)
	}
	return s.SignIn(req.Email, req.Password)
}

// SignIn opens a session and counts as activity.
func (s *Service) SignIn(email, password string) (Session, error) {
	token, userID, err := s.auth.Login(email, password)
	if err != nil {
		return Session{}, err
	}
	profile, err := s.store.GetProfile(userID)
	if err != nil {
		return Session{}, fmt.Errorf("failed to load profile: %w", err)
	}
	if err := s.TouchActivity(userID, s.now()); err != nil {
		slog.Warn("failed to record sign-in activity", "user_id", userID, "error", err)
	}
	return Session{Token: token, ExpiresAt: s.auth.TokenExpiryAt(), Profile: profile}, nil
}

func (s *Service) SignOut(token string) error {
	return s.auth.Logoff(token)
}

// Authenticate resolves a session token to the user id.
func (s *Service) Authenticate(token string) (string, error) {
	if token == "" {
		return "", models.ErrUnauthenticated
	}
	userID, err := s.auth.GetUserID(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrUnauthenticated, err)
	}
	return userID, nil
}

// GetProfile returns a profile. The email is only shown to its owner.
func (s *Service) GetProfile(actor, id string) (models.Profile, error) {
	p, err := s.store.GetProfile(id)
	if err != nil {
		return models.Profile{}, err
	}
	if actor != id {
		p.Email = ""
	}
	return p, nil
}

// UpdateProfile edits the actor's own profile.
func (s *Service) UpdateProfile(actor string, upd models.ProfileUpdate) (models.Profile, error) {
	p, err := s.store.GetProfile(actor)
	if err != nil {
		return models.Profile{}, err
	}
	if upd.Nickname != nil && *upd.Nickname != p.Nickname {
		if err := content.ValidateNickname(*upd.Nickname); err != nil {
			return models.Profile{}, err
		}
		other, err := s.store.FindProfileByNickname(*upd.Nickname)
		switch {
		case err == nil && other.ID != actor:
			return models.Profile{}, fmt.Errorf("%w: nickname %q is taken", models.ErrConflict, *upd.Nickname)
		case err != nil && !errors.Is(err, models.ErrNotFound):
			return models.Profile{}, err
		}
		p.Nickname = *upd.Nickname
	}
	if upd.City != nil {
		if p.City, err = content.ValidateCity(*upd.City); err != nil {
			return models.Profile{}, err
		}
	}
	if err := s.store.UpsertProfile(p); err != nil {
		return models.Profile{}, err
	}
	s.announceProfile(p)
	return p, nil
}

// TouchActivity records activity of the actor at the given time.
func (s *Service) TouchActivity(actor string, at time.Time) error {
	if err := s.store.TouchActivity(actor, at.UTC()); err != nil {
		return err
	}
	if p, err := s.store.GetProfile(actor); err == nil {
		s.announceProfile(p)
	}
	return nil
}

// MarkOffline back-dates the actor's last activity.
func (s *Service) MarkOffline(actor string) error {
	return s.TouchActivity(actor, s.now().Add(-OfflineBackdate))
}

// ActiveProfiles lists profiles with activity at or after since, newest first.
func (s *Service) ActiveProfiles(since time.Time) ([]models.Profile, error) {
	profiles, err := s.store.ListActiveProfiles(since)
	if err != nil {
		return nil, err
	}
	for i := range profiles {
		profiles[i].Email = ""
	}
	return profiles, nil
}

func (s *Service) announceProfile(p models.Profile) {
	p.Email = ""
	if _, err := s.hub.Publish(p.ID, models.TopicProfiles, models.EventProfileChange, p); err != nil {
		slog.Warn("failed to announce profile change", "user_id", p.ID, "error", err)
	}
}

// InsertMessage stores a message sent by the actor. Display attributes are
// taken from the stored profile, whatever the client sent.
func (s *Service) InsertMessage(actor string, msg models.Message) (models.Message, error) {
	msg, err := s.authorizeMessage(actor, msg)
	if err != nil {
		return models.Message{}, err
	}
	if err := s.store.InsertMessage(msg); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func (s *Service) authorizeMessage(actor string, msg models.Message) (models.Message, error) {
	if msg.SenderID != actor {
		return models.Message{}, fmt.Errorf("%w: cannot send as another user", models.ErrForbidden)
	}
	if err := msg.Validate(); err != nil {
		return models.Message{}, err
	}
	body, err := content.CleanBody(msg.Body)
	if err != nil {
		return models.Message{}, err
	}
	if body == "" && msg.Media == nil {
		return models.Message{}, models.Validationf("message is empty")
	}
	msg.Body = body
	if msg.Media != nil && !strings.HasPrefix(msg.Media.URL, s.mediaURL(actor+"/")) {
		return models.Message{}, fmt.Errorf("%w: media must be uploaded by the sender", models.ErrForbidden)
	}

	sender, err := s.store.GetProfile(actor)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to resolve sender: %w", err)
	}
	msg.Nickname = sender.Nickname
	msg.City = sender.City

	if msg.Type == models.MessageTypePrivate {
		if _, err := s.store.GetProfile(msg.RecipientID); err != nil {
			return models.Message{}, fmt.Errorf("failed to resolve recipient: %w", err)
		}
		status, err := s.BlockStatus(actor, msg.RecipientID)
		if err != nil {
			return models.Message{}, err
		}
		if status.Either() {
			return models.Message{}, models.ErrBlocked
		}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	return msg, nil
}

func (s *Service) PublicMessages(limit int) ([]models.Message, error) {
	return s.store.ListPublicMessages(limit)
}

// PrivateMessages lists the conversation between the actor and other.
func (s *Service) PrivateMessages(actor, other string, limit int) ([]models.Message, error) {
	return s.store.ListPrivateMessages(actor, other, limit)
}

// DeleteOwnMessages removes everything the actor sent and the private
// messages addressed to them.
func (s *Service) DeleteOwnMessages(actor string) (int, error) {
	return s.store.DeleteMessagesByUser(actor)
}

func (s *Service) Block(actor, target string) error {
	if actor == target {
		return models.Validationf("cannot block yourself")
	}
	if _, err := s.store.GetProfile(target); err != nil {
		return err
	}
	return s.store.InsertBlock(models.Block{BlockerID: actor, BlockedID: target, CreatedAt: s.now().UTC()})
}

func (s *Service) Unblock(actor, target string) error {
	return s.store.DeleteBlock(actor, target)
}

func (s *Service) Blocked(actor string) ([]string, error) {
	return s.store.ListBlocked(actor)
}

// BlockStatus reports both directions of the block relation between actor
// and other.
func (s *Service) BlockStatus(actor, other string) (models.BlockStatus, error) {
	blocked, err := s.store.IsBlocked(actor, other)
	if err != nil {
		return models.BlockStatus{}, err
	}
	blockedBy, err := s.store.IsBlocked(other, actor)
	if err != nil {
		return models.BlockStatus{}, err
	}
	return models.BlockStatus{Blocked: blocked, BlockedBy: blockedBy}, nil
}

// UploadMedia stores an attachment under the actor's prefix and returns its
// public URL.
func (s *Service) UploadMedia(actor, path string, r io.Reader) (string, error) {
	path, err := filestore.CleanPath(path)
	if err != nil {
		return "", err
	}
	if filestore.Owner(path) != actor {
		return "", fmt.Errorf("%w: uploads are only allowed under %s/", models.ErrForbidden, actor)
	}

	// Read one byte past the largest limit so oversized uploads are caught
	// without buffering them whole.
	limit := max(s.settings.Limits.MaxImageBytes, s.settings.Limits.MaxVideoBytes)
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	info, err := content.ValidateMedia(data, s.settings.Limits)
	if err != nil {
		return "", err
	}

	size, err := s.files.Save(bytes.NewReader(data), path)
	if err != nil {
		return "", err
	}
	meta := storage.FileMetadata{
		Path:      path,
		OwnerID:   actor,
		MimeType:  info.MIME,
		Size:      size,
		CreatedAt: s.now().UTC().UnixNano(),
	}
	if err := s.store.UpsertFileMetadata(meta); err != nil {
		_ = s.files.Delete(path)
		return "", fmt.Errorf("failed to record upload: %w", err)
	}
	return s.mediaURL(path), nil
}

// ListMedia lists the actor's files under prefix.
func (s *Service) ListMedia(actor, prefix string) ([]string, error) {
	if !strings.HasPrefix(prefix, actor+"/") {
		return nil, fmt.Errorf("%w: can only list own media", models.ErrForbidden)
	}
	metas, err := s.store.ListFileMetadata(prefix)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(metas))
	for _, m := range metas {
		paths = append(paths, m.Path)
	}
	return paths, nil
}

// DeleteMedia removes the given files. Every path must be owned by the actor.
func (s *Service) DeleteMedia(actor string, paths []string) error {
	for _, p := range paths {
		if _, err := filestore.CleanPath(p); err != nil {
			return err
		}
		if filestore.Owner(p) != actor {
			return fmt.Errorf("%w: cannot delete %s", models.ErrForbidden, p)
		}
	}
	var errs []error
	for _, p := range paths {
		if err := s.files.Delete(p); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.store.DeleteFileMetadata(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenMedia returns a public file for serving.
func (s *Service) OpenMedia(path string) (io.ReadCloser, error) {
	path, err := filestore.CleanPath(path)
	if err != nil {
		return nil, err
	}
	return s.files.Open(path)
}

func (s *Service) mediaURL(path string) string {
	return s.settings.BaseURL + "/media/" + path
}

func (s *Service) AddPushSubscription(actor string, sub models.PushSubscription) error {
	if sub.Endpoint == "" || !strings.HasPrefix(sub.Endpoint, "https://") {
		return models.Validationf("push endpoint must be an https url")
	}
	return s.store.AddPushSubscription(actor, sub)
}

// Publish checks that the actor is entitled to the record it broadcasts and
// hands it to the hub. Message display attributes are re-resolved.
func (s *Service) Publish(actor, topic, event string, payload any) (models.Envelope, error) {
	if actor == "" {
		return models.Envelope{}, models.ErrUnauthenticated
	}
	raw, ok := payload.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return models.Envelope{}, fmt.Errorf("failed to encode payload: %w", err)
		}
	}

	switch topic {
	case models.TopicMessages:
		var msg models.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return models.Envelope{}, models.Validationf("malformed message: %v", err)
		}
		msg, err := s.authorizeMessage(actor, msg)
		if err != nil {
			return models.Envelope{}, err
		}
		return s.hub.Publish(actor, topic, event, msg)
	case models.TopicInvites:
		var inv models.Invite
		if err := json.Unmarshal(raw, &inv); err != nil {
			return models.Envelope{}, models.Validationf("malformed invite: %v", err)
		}
		if err := authorizeInvite(actor, inv); err != nil {
			return models.Envelope{}, err
		}
	case models.TopicSignals:
		var sig models.Signal
		if err := json.Unmarshal(raw, &sig); err != nil {
			return models.Envelope{}, models.Validationf("malformed signal: %v", err)
		}
		if sig.FromUserID != actor {
			return models.Envelope{}, fmt.Errorf("%w: cannot signal as another user", models.ErrForbidden)
		}
		if sig.ToUserID == "" || sig.InviteID == "" {
			return models.Envelope{}, models.Validationf("signal needs an invite and a recipient")
		}
	case models.TopicProfiles:
		return models.Envelope{}, fmt.Errorf("%w: profile changes are announced by the server", models.ErrForbidden)
	}
	return s.hub.Publish(actor, topic, event, raw)
}

func authorizeInvite(actor string, inv models.Invite) error {
	if inv.ID == "" || inv.CallerID == "" || inv.RecipientID == "" {
		return models.Validationf("invite needs an id, a caller and a recipient")
	}
	if inv.CallerID == inv.RecipientID {
		return models.Validationf("cannot call yourself")
	}
	var party string
	switch inv.Status {
	case models.InviteStatusPending, models.InviteStatusCancelled:
		party = inv.CallerID
	case models.InviteStatusAccepted, models.InviteStatusRejected:
		party = inv.RecipientID
	default:
		return models.Validationf("unknown invite status %q", inv.Status)
	}
	if party != actor {
		return fmt.Errorf("%w: %s cannot mark invite %s", models.ErrForbidden, actor, inv.Status)
	}
	return nil
}

// Subscribe registers the actor on a topic.
func (s *Service) Subscribe(actor, topic string) (<-chan models.Envelope, func(), error) {
	if actor == "" {
		return nil, nil, models.ErrUnauthenticated
	}
	return s.hub.Subscribe(actor, topic)
}

// ForceOffline is the admin cleanup of a user: mark offline, then delete
// their messages and media.
func (s *Service) ForceOffline(userID string) error {
	if _, err := s.store.GetProfile(userID); err != nil {
		return err
	}
	var errs []error
	if err := s.MarkOffline(userID); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.DeleteOwnMessages(userID); err != nil {
		errs = append(errs, err)
	}
	paths, err := s.ListMedia(userID, userID+"/")
	if err != nil {
		errs = append(errs, err)
	} else if len(paths) > 0 {
		errs = append(errs, s.DeleteMedia(userID, paths))
	}
	return errors.Join(errs...)
}
