// Package message sends chat messages and keeps the visible message feed.
package message

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"tagarela/internal/content"
	"tagarela/internal/filestore"
	"tagarela/internal/models"
)

type sendBackend interface {
	UserID() string
	InsertMessage(ctx context.Context, msg models.Message) (models.Message, error)
	Publish(ctx context.Context, topic, event string, payload any) error
	UploadMedia(ctx context.Context, path string, data []byte) (string, error)
}

type privateGate interface {
	CanOpenPrivate(ctx context.Context, userID string) error
}

// Draft is a message as composed by the user.
type Draft struct {
	// ID is optional. Set it to the id used for UploadMedia so the
	// attachment and the message share it.
	ID          string
	RecipientID string
	Body        string
	Media       *models.Media
}

type ChannelConfig struct {
	// Persisted stores every message before broadcasting it. Otherwise
	// messages only live on the broadcast topic.
	Persisted bool
	Limits    content.Limits
}

type Channel struct {
	backend sendBackend
	blocks  privateGate
	cfg     ChannelConfig
	log     *slog.Logger
}

func NewChannel(backend sendBackend, blocks privateGate, cfg ChannelConfig) *Channel {
	return &Channel{
		backend: backend,
		blocks:  blocks,
		cfg:     cfg,
		log:     slog.With("component", "message"),
	}
}

// NewMessageID returns a fresh message id.
func NewMessageID() string {
	return uuid.NewString()
}

// Send validates the draft, stores it in persisted mode and broadcasts it.
// Failures are returned to the caller.
func (c *Channel) Send(ctx context.Context, d Draft) (models.Message, error) {
	body, err := content.CleanBody(d.Body)
	if err != nil {
		return models.Message{}, err
	}
	msg := models.Message{
		ID:          d.ID,
		SenderID:    c.backend.UserID(),
		RecipientID: d.RecipientID,
		Body:        body,
		Media:       d.Media,
		Type:        models.MessageTypePublic,
	}
	if msg.ID == "" {
		msg.ID = NewMessageID()
	}
	if msg.RecipientID != "" {
		msg.Type = models.MessageTypePrivate
	}
	if err := msg.Validate(); err != nil {
		return models.Message{}, err
	}
	if msg.Type == models.MessageTypePrivate {
		if err := c.blocks.CanOpenPrivate(ctx, msg.RecipientID); err != nil {
			return models.Message{}, err
		}
	}

	if c.cfg.Persisted {
		stored, err := c.backend.InsertMessage(ctx, msg)
		if err != nil {
			return models.Message{}, fmt.Errorf("failed to store message: %w", err)
		}
		msg = stored
	}
	if err := c.backend.Publish(ctx, models.TopicMessages, models.EventNewMessage, msg); err != nil {
		return msg, fmt.Errorf("failed to broadcast message: %w", err)
	}
	c.log.Debug("message sent", "message_id", msg.ID, "type", msg.Type)
	return msg, nil
}

// UploadMedia checks the attachment locally and uploads it to
// {self}/{messageID}.{ext}. Invalid files never reach the network.
func (c *Channel) UploadMedia(ctx context.Context, messageID, filename string, data []byte) (models.Media, error) {
	info, err := content.ValidateMedia(data, c.cfg.Limits)
	if err != nil {
		return models.Media{}, fmt.Errorf("%s: %w", filename, err)
	}
	path, err := filestore.MediaPath(c.backend.UserID(), messageID, info.Extension)
	if err != nil {
		return models.Media{}, err
	}
	url, err := c.backend.UploadMedia(ctx, path, data)
	if err != nil {
		return models.Media{}, fmt.Errorf("failed to upload %s: %w", filename, err)
	}
	return models.Media{Type: info.Type, URL: url}, nil
}
