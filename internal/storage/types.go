package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"tagarela/internal/auth"
	"tagarela/internal/models"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBCredentials struct {
	UserID              string `msgpack:"userId"`
	Email               string `msgpack:"email"`
	PasswordHash        string `msgpack:"passwordHash"`
	FailedLoginAttempts int64  `msgpack:"failedLoginAttempts"`
	LastAttemptTime     int64  `msgpack:"lastAttemptTime"`
}

func (c *DBCredentials) Key() []byte {
	return []byte(c.UserID)
}

func (c *DBCredentials) MarshalBinary() (data []byte, err error) {
	type alias DBCredentials
	return msgpack.Marshal((*alias)(c))
}

func (c *DBCredentials) UnmarshalBinary(data []byte) error {
	type alias DBCredentials
	return msgpack.Unmarshal(data, (*alias)(c))
}

func (c *DBCredentials) toAuth() auth.Credentials {
	return auth.Credentials{
		UserID:              c.UserID,
		Email:               c.Email,
		PasswordHash:        c.PasswordHash,
		FailedLoginAttempts: c.FailedLoginAttempts,
		LastAttemptTime:     c.LastAttemptTime,
	}
}

type DBProfile struct {
	ID           string `msgpack:"id"`
	Nickname     string `msgpack:"nickname"`
	City         string `msgpack:"city"`
	Email        string `msgpack:"email"`
	LastActivity int64  `msgpack:"lastActivity"` // unix nanoseconds
}

func (p *DBProfile) Key() []byte {
	return []byte(p.ID)
}

func (p *DBProfile) MarshalBinary() (data []byte, err error) {
	type alias DBProfile
	return msgpack.Marshal((*alias)(p))
}

func (p *DBProfile) UnmarshalBinary(data []byte) error {
	type alias DBProfile
	return msgpack.Unmarshal(data, (*alias)(p))
}

func (p *DBProfile) toModel() models.Profile {
	return models.Profile{
		ID:           p.ID,
		Nickname:     p.Nickname,
		City:         p.City,
		Email:        p.Email,
		LastActivity: time.Unix(0, p.LastActivity).UTC(),
	}
}

func newDBProfile(p models.Profile) *DBProfile {
	return &DBProfile{
		ID:           p.ID,
		Nickname:     p.Nickname,
		City:         p.City,
		Email:        p.Email,
		LastActivity: p.LastActivity.UnixNano(),
	}
}

type DBMessage struct {
	ID          string `msgpack:"id"`
	SenderID    string `msgpack:"senderId"`
	RecipientID string `msgpack:"recipientId"`
	Nickname    string `msgpack:"nickname"`
	City        string `msgpack:"city"`
	Body        string `msgpack:"body"`
	MediaType   string `msgpack:"mediaType"`
	MediaURL    string `msgpack:"mediaUrl"`
	Type        string `msgpack:"type"`
	CreatedAt   int64  `msgpack:"createdAt"` // unix nanoseconds
}

// Key orders messages by creation time, the id breaks ties.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMessage) toModel() models.Message {
	msg := models.Message{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Nickname:    m.Nickname,
		City:        m.City,
		Body:        m.Body,
		Type:        models.MessageType(m.Type),
		CreatedAt:   time.Unix(0, m.CreatedAt).UTC(),
	}
	if m.MediaType != "" {
		msg.Media = &models.Media{Type: models.MediaType(m.MediaType), URL: m.MediaURL}
	}
	return msg
}

func newDBMessage(m models.Message) *DBMessage {
	dbMsg := &DBMessage{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Nickname:    m.Nickname,
		City:        m.City,
		Body:        m.Body,
		Type:        string(m.Type),
		CreatedAt:   m.CreatedAt.UnixNano(),
	}
	if m.Media != nil {
		dbMsg.MediaType = string(m.Media.Type)
		dbMsg.MediaURL = m.Media.URL
	}
	return dbMsg
}

type DBBlock struct {
	BlockerID string `msgpack:"blockerId"`
	BlockedID string `msgpack:"blockedId"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (b *DBBlock) Key() []byte {
	return blockKey(b.BlockerID, b.BlockedID)
}

func blockKey(blocker, blocked string) []byte {
	return []byte(blocker + "\x00" + blocked)
}

func (b *DBBlock) MarshalBinary() (data []byte, err error) {
	type alias DBBlock
	return msgpack.Marshal((*alias)(b))
}

func (b *DBBlock) UnmarshalBinary(data []byte) error {
	type alias DBBlock
	return msgpack.Unmarshal(data, (*alias)(b))
}

type DBPushSubscription struct {
	UserID   string `msgpack:"userId"`
	Endpoint string `msgpack:"endpoint"`
	Auth     string `msgpack:"auth"`
	P256dh   string `msgpack:"p256dh"`
}

func (s *DBPushSubscription) Key() []byte {
	return []byte(s.UserID + "\x00" + s.Endpoint)
}

func (s *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}

func (s *DBPushSubscription) toModel() models.PushSubscription {
	var sub models.PushSubscription
	sub.Endpoint = s.Endpoint
	sub.Keys.Auth = s.Auth
	sub.Keys.P256dh = s.P256dh
	return sub
}
