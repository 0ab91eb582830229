package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthenticated = errors.New("not signed in")
	ErrForbidden       = errors.New("forbidden")
	ErrValidation      = errors.New("validation failed")
	ErrConflict        = errors.New("already exists")
	ErrBlocked         = errors.New("blocked")
	// ErrUnavailable marks transport failures. Callers may retry.
	ErrUnavailable = errors.New("backend unavailable")
)

// IsTransient reports whether err is a retryable transport failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Validationf returns an error wrapping ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Profile is the public view of a user.
type Profile struct {
	ID           string    `json:"id"`
	Nickname     string    `json:"nickname"`
	City         string    `json:"city"`
	Email        string    `json:"email,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
}

// OnlineSince reports whether the profile had activity at or after since.
func (p Profile) OnlineSince(since time.Time) bool {
	return !p.LastActivity.Before(since)
}

// ProfileUpdate carries optional profile edits. Nil fields are left untouched.
type ProfileUpdate struct {
	Nickname *string `json:"nickname,omitempty"`
	City     *string `json:"city,omitempty"`
}

type MessageType string

const (
	MessageTypePublic  MessageType = "public"
	MessageTypePrivate MessageType = "private"
)

type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)

// Media is an uploaded attachment referenced by a message.
type Media struct {
	Type MediaType `json:"type"`
	URL  string    `json:"url"`
}

// Message is a chat message. Nickname and City are resolved by the backend
// from the sender's profile and never trusted from the client.
type Message struct {
	ID          string      `json:"id"`
	SenderID    string      `json:"senderId"`
	RecipientID string      `json:"recipientId,omitempty"`
	Nickname    string      `json:"nickname"`
	City        string      `json:"city"`
	Body        string      `json:"body"`
	Media       *Media      `json:"media,omitempty"`
	Type        MessageType `json:"type"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Validate checks the message shape: private messages carry a recipient,
// public ones never do, and there is either a body or an attachment.
func (m Message) Validate() error {
	if m.ID == "" {
		return Validationf("message id is required")
	}
	if m.SenderID == "" {
		return Validationf("sender is required")
	}
	switch m.Type {
	case MessageTypePublic:
		if m.RecipientID != "" {
			return Validationf("public message cannot have a recipient")
		}
	case MessageTypePrivate:
		if m.RecipientID == "" {
			return Validationf("private message requires a recipient")
		}
		if m.RecipientID == m.SenderID {
			return Validationf("cannot send a private message to yourself")
		}
	default:
		return Validationf("unknown message type %q", m.Type)
	}
	if strings.TrimSpace(m.Body) == "" && m.Media == nil {
		return Validationf("message is empty")
	}
	if m.Media != nil {
		if m.Media.Type != MediaTypeImage && m.Media.Type != MediaTypeVideo {
			return Validationf("unknown media type %q", m.Media.Type)
		}
		if m.Media.URL == "" {
			return Validationf("media url is required")
		}
	}
	return nil
}

// Involves reports whether userID is the sender or the recipient.
func (m Message) Involves(userID string) bool {
	return m.SenderID == userID || m.RecipientID == userID
}

// Block is a directed edge: BlockerID hides BlockedID.
type Block struct {
	BlockerID string    `json:"blockerId"`
	BlockedID string    `json:"blockedId"`
	CreatedAt time.Time `json:"createdAt"`
}

// BlockStatus describes both directions of a block relation from the
// point of view of the requesting user.
type BlockStatus struct {
	Blocked   bool `json:"blocked"`
	BlockedBy bool `json:"blockedBy"`
}

func (s BlockStatus) Either() bool {
	return s.Blocked || s.BlockedBy
}

type InviteStatus string

const (
	InviteStatusPending   InviteStatus = "pending"
	InviteStatusAccepted  InviteStatus = "accepted"
	InviteStatusRejected  InviteStatus = "rejected"
	InviteStatusCancelled InviteStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s InviteStatus) Terminal() bool {
	return s == InviteStatusAccepted || s == InviteStatusRejected || s == InviteStatusCancelled
}

// Invite is a call invitation from CallerID to RecipientID.
type Invite struct {
	ID          string       `json:"id"`
	CallerID    string       `json:"callerId"`
	RecipientID string       `json:"recipientId"`
	Status      InviteStatus `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
	AnsweredAt  *time.Time   `json:"answeredAt,omitempty"`
}

// Involves reports whether userID is a party of the invite.
func (i Invite) Involves(userID string) bool {
	return i.CallerID == userID || i.RecipientID == userID
}

// Peer returns the other party of the invite.
func (i Invite) Peer(self string) string {
	if i.CallerID == self {
		return i.RecipientID
	}
	return i.CallerID
}

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalHangup       SignalType = "hangup"
)

// Signal is an addressed WebRTC negotiation message.
type Signal struct {
	ID         string          `json:"id"`
	InviteID   string          `json:"inviteId"`
	FromUserID string          `json:"fromUserId"`
	ToUserID   string          `json:"toUserId"`
	Type       SignalType      `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

// HangupPayload is the body of a hangup signal.
type HangupPayload struct {
	Reason string `json:"reason,omitempty"`
}

// Broadcast topics.
const (
	TopicMessages = "messages-broadcast"
	TopicInvites  = "video-call-invites-broadcast"
	TopicSignals  = "webrtc-signals-broadcast"
	TopicProfiles = "profiles-changes"
)

// Events published on the topics.
const (
	EventNewMessage    = "new-message"
	EventInvite        = "invite"
	EventSignal        = "signal"
	EventProfileChange = "profile"
)

// KnownTopic reports whether topic is one of the broadcast topics.
func KnownTopic(topic string) bool {
	switch topic {
	case TopicMessages, TopicInvites, TopicSignals, TopicProfiles:
		return true
	}
	return false
}

// Envelope is a single broadcast delivery. From is stamped by the hub
// with the authenticated publisher.
type Envelope struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sentAt"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Topic, err)
	}
	return nil
}

// PushSubscription is a browser web push endpoint.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		Auth   string `json:"auth"`
		P256dh string `json:"p256dh"`
	} `json:"keys"`
}
