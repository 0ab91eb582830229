package storage

import (
	"fmt"
	"time"

	"tagarela/internal/auth"
	"tagarela/internal/models"
)

// Store is the relational part of the backend: profiles, messages,
// user_blocks, credentials, push subscriptions and media metadata.
type Store interface {
	UpsertCredentials(auth.Credentials) error
	ListCredentials() ([]auth.Credentials, error)

	UpsertProfile(models.Profile) error
	GetProfile(id string) (models.Profile, error)
	// FindProfileByNickname matches case-insensitively.
	FindProfileByNickname(nickname string) (models.Profile, error)
	TouchActivity(id string, at time.Time) error
	// ListActiveProfiles returns profiles with activity at or after since,
	// most recent first.
	ListActiveProfiles(since time.Time) ([]models.Profile, error)

	InsertMessage(models.Message) error
	// ListPublicMessages returns up to limit newest public messages, oldest first.
	ListPublicMessages(limit int) ([]models.Message, error)
	// ListPrivateMessages returns up to limit newest private messages
	// between a and b in both directions, oldest first.
	ListPrivateMessages(a, b string, limit int) ([]models.Message, error)
	// DeleteMessagesByUser removes messages sent by the user and private
	// messages addressed to them.
	DeleteMessagesByUser(userID string) (int, error)

	InsertBlock(models.Block) error
	DeleteBlock(blockerID, blockedID string) error
	ListBlocked(blockerID string) ([]string, error)
	IsBlocked(blockerID, blockedID string) (bool, error)

	AddPushSubscription(userID string, sub models.PushSubscription) error
	ListPushSubscriptions(userID string) ([]models.PushSubscription, error)

	UpsertFileMetadata(FileMetadata) error
	ListFileMetadata(prefix string) ([]FileMetadata, error)
	DeleteFileMetadata(path string) error

	Close() error
}

// Open opens the store selected by driver.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "bbolt", "":
		return NewBboltStorage(path)
	case "sqlite":
		return NewSQLiteStorage(path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
