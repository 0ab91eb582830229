package storage

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"tagarela/internal/auth"
	"tagarela/internal/models"
)

var (
	bucketCredentials = []byte("credentials")
	bucketProfiles    = []byte("profiles")
	bucketMessages    = []byte("messages")
	bucketMessageIDs  = []byte("message_ids")
	bucketBlocks      = []byte("user_blocks")
	bucketPush        = []byte("push_subscriptions")
	bucketFiles       = []byte("files")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketCredentials, bucketProfiles, bucketMessages, bucketMessageIDs,
			bucketBlocks, bucketPush, bucketFiles,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func put(b *bbolt.Bucket, rec Storeable) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(rec.Key(), data)
}

// UpsertCredentials stores new or updated user credentials.
func (s *BboltStorage) UpsertCredentials(c auth.Credentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketCredentials), &DBCredentials{
			UserID:              c.UserID,
			Email:               c.Email,
			PasswordHash:        c.PasswordHash,
			FailedLoginAttempts: c.FailedLoginAttempts,
			LastAttemptTime:     c.LastAttemptTime,
		})
	})
}

// ListCredentials returns all user credentials stored in the database.
func (s *BboltStorage) ListCredentials() ([]auth.Credentials, error) {
	var credentials []auth.Credentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCredentials).ForEach(func(k, v []byte) error {
			var c DBCredentials
			if err := c.UnmarshalBinary(v); err != nil {
				return err
			}
			credentials = append(credentials, c.toAuth())
			return nil
		})
	})
	return credentials, err
}

func (s *BboltStorage) UpsertProfile(p models.Profile) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketProfiles), newDBProfile(p))
	})
}

func getProfile(b *bbolt.Bucket, id string) (*DBProfile, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("profile %s: %w", id, models.ErrNotFound)
	}
	var p DBProfile
	if err := p.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	return &p, nil
}

func (s *BboltStorage) GetProfile(id string) (models.Profile, error) {
	var profile models.Profile
	err := s.db.View(func(tx *bbolt.Tx) error {
		p, err := getProfile(tx.Bucket(bucketProfiles), id)
		if err != nil {
			return err
		}
		profile = p.toModel()
		return nil
	})
	return profile, err
}

func (s *BboltStorage) FindProfileByNickname(nickname string) (models.Profile, error) {
	var profile models.Profile
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProfiles).ForEach(func(k, v []byte) error {
			if found {
				return nil
			}
			var p DBProfile
			if err := p.UnmarshalBinary(v); err != nil {
				return err
			}
			if strings.EqualFold(p.Nickname, nickname) {
				profile, found = p.toModel(), true
			}
			return nil
		})
	})
	if err != nil {
		return models.Profile{}, err
	}
	if !found {
		return models.Profile{}, fmt.Errorf("nickname %s: %w", nickname, models.ErrNotFound)
	}
	return profile, nil
}

func (s *BboltStorage) TouchActivity(id string, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProfiles)
		p, err := getProfile(b, id)
		if err != nil {
			return err
		}
		p.LastActivity = at.UnixNano()
		return put(b, p)
	})
}

func (s *BboltStorage) ListActiveProfiles(since time.Time) ([]models.Profile, error) {
	var profiles []models.Profile
	cutoff := since.UnixNano()
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProfiles).ForEach(func(k, v []byte) error {
			var p DBProfile
			if err := p.UnmarshalBinary(v); err != nil {
				return err
			}
			if p.LastActivity >= cutoff {
				profiles = append(profiles, p.toModel())
			}
			return nil
		})
	})
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].LastActivity.After(profiles[j].LastActivity)
	})
	return profiles, err
}

// InsertMessage saves a message. Message ids are unique.
func (s *BboltStorage) InsertMessage(message models.Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(bucketMessageIDs)
		if ids.Get([]byte(message.ID)) != nil {
			return fmt.Errorf("message %s: %w", message.ID, models.ErrConflict)
		}

		dbMessage := newDBMessage(message)
		if err := put(tx.Bucket(bucketMessages), dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		return ids.Put([]byte(message.ID), dbMessage.Key())
	})
}

// listNewest walks messages from newest to oldest and keeps up to limit
// matches, returned oldest first.
func (s *BboltStorage) listNewest(limit int, match func(*DBMessage) bool) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(messages) < limit); k, v = c.Prev() {
			var m DBMessage
			if err := m.UnmarshalBinary(v); err != nil {
				return err
			}
			if match(&m) {
				messages = append(messages, m.toModel())
			}
		}
		return nil
	})
	slices.Reverse(messages)
	return messages, err
}

func (s *BboltStorage) ListPublicMessages(limit int) ([]models.Message, error) {
	return s.listNewest(limit, func(m *DBMessage) bool {
		return m.Type == string(models.MessageTypePublic)
	})
}

func (s *BboltStorage) ListPrivateMessages(a, b string, limit int) ([]models.Message, error) {
	return s.listNewest(limit, func(m *DBMessage) bool {
		return m.Type == string(models.MessageTypePrivate) &&
			((m.SenderID == a && m.RecipientID == b) || (m.SenderID == b && m.RecipientID == a))
	})
}

func (s *BboltStorage) DeleteMessagesByUser(userID string) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		ids := tx.Bucket(bucketMessageIDs)

		type victim struct{ key, id []byte }
		var victims []victim
		err := b.ForEach(func(k, v []byte) error {
			var m DBMessage
			if err := m.UnmarshalBinary(v); err != nil {
				return err
			}
			if m.SenderID == userID || m.RecipientID == userID {
				victims = append(victims, victim{key: bytes.Clone(k), id: []byte(m.ID)})
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, v := range victims {
			if err := b.Delete(v.key); err != nil {
				return err
			}
			if err := ids.Delete(v.id); err != nil {
				return err
			}
		}
		deleted = len(victims)
		return nil
	})
	return deleted, err
}

// InsertBlock stores a block edge. Blocking twice is a no-op.
func (s *BboltStorage) InsertBlock(block models.Block) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		if b.Get(blockKey(block.BlockerID, block.BlockedID)) != nil {
			return nil
		}
		return put(b, &DBBlock{
			BlockerID: block.BlockerID,
			BlockedID: block.BlockedID,
			CreatedAt: block.CreatedAt.UnixNano(),
		})
	})
}

func (s *BboltStorage) DeleteBlock(blockerID, blockedID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlocks).Delete(blockKey(blockerID, blockedID))
	})
}

func (s *BboltStorage) ListBlocked(blockerID string) ([]string, error) {
	var blocked []string
	prefix := []byte(blockerID + "\x00")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBlocks).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var b DBBlock
			if err := b.UnmarshalBinary(v); err != nil {
				return err
			}
			blocked = append(blocked, b.BlockedID)
		}
		return nil
	})
	return blocked, err
}

func (s *BboltStorage) IsBlocked(blockerID, blockedID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketBlocks).Get(blockKey(blockerID, blockedID)) != nil
		return nil
	})
	return found, err
}

func (s *BboltStorage) AddPushSubscription(userID string, sub models.PushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketPush), &DBPushSubscription{
			UserID:   userID,
			Endpoint: sub.Endpoint,
			Auth:     sub.Keys.Auth,
			P256dh:   sub.Keys.P256dh,
		})
	})
}

func (s *BboltStorage) ListPushSubscriptions(userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	prefix := []byte(userID + "\x00")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPush).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var sub DBPushSubscription
			if err := sub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, sub.toModel())
		}
		return nil
	})
	return subs, err
}
