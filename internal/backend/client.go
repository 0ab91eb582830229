package backend

import (
	"context"
	"encoding/json"
	"time"

	"tagarela/internal/models"
)

type SignUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Nickname string `json:"nickname"`
	City     string `json:"city"`
}

type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Session is the result of a successful sign-up or sign-in.
type Session struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expiresAt"`
	Profile   models.Profile `json:"profile"`
}

// Client is the backend contract as seen by one signed-in client. Local and
// Remote implement it; the client components depend on narrow subsets.
type Client interface {
	SignUp(ctx context.Context, req SignUpRequest) (models.Profile, error)
	SignIn(ctx context.Context, email, password string) (models.Profile, error)
	SignOut(ctx context.Context) error
	CurrentUser(ctx context.Context) (models.Profile, error)
	UserID() string

	GetProfile(ctx context.Context, id string) (models.Profile, error)
	UpdateProfile(ctx context.Context, upd models.ProfileUpdate) (models.Profile, error)
	TouchActivity(ctx context.Context, at time.Time) error
	MarkOffline(ctx context.Context) error
	ActiveProfiles(ctx context.Context, since time.Time) ([]models.Profile, error)

	InsertMessage(ctx context.Context, msg models.Message) (models.Message, error)
	PublicMessages(ctx context.Context, limit int) ([]models.Message, error)
	PrivateMessages(ctx context.Context, otherID string, limit int) ([]models.Message, error)
	DeleteOwnMessages(ctx context.Context) (int, error)

	Block(ctx context.Context, userID string) error
	Unblock(ctx context.Context, userID string) error
	Blocked(ctx context.Context) ([]string, error)
	BlockStatus(ctx context.Context, userID string) (models.BlockStatus, error)

	UploadMedia(ctx context.Context, path string, data []byte) (string, error)
	ListMedia(ctx context.Context, prefix string) ([]string, error)
	DeleteMedia(ctx context.Context, paths []string) error

	AddPushSubscription(ctx context.Context, sub models.PushSubscription) error

	Publish(ctx context.Context, topic, event string, payload any) error
	Subscribe(ctx context.Context, topic string) (<-chan models.Envelope, func(), error)
}

var (
	_ Client = (*Local)(nil)
	_ Client = (*Remote)(nil)
)

type ActivityRequest struct {
	At time.Time `json:"at"`
}

type UploadResponse struct {
	URL string `json:"url"`
}

type DeleteMediaRequest struct {
	Paths []string `json:"paths"`
}

type DeleteMessagesResponse struct {
	Deleted int `json:"deleted"`
}

// PublishRequest is the body of a publish over HTTP.
type PublishRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}
