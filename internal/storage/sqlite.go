package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"tagarela/internal/auth"
	"tagarela/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	user_id               TEXT PRIMARY KEY,
	email                 TEXT NOT NULL UNIQUE,
	password_hash         TEXT NOT NULL,
	failed_login_attempts INTEGER NOT NULL DEFAULT 0,
	last_attempt_time     INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS profiles (
	id            TEXT PRIMARY KEY,
	nickname      TEXT NOT NULL UNIQUE COLLATE NOCASE,
	city          TEXT NOT NULL DEFAULT '',
	email         TEXT NOT NULL DEFAULT '',
	last_activity INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_profiles_last_activity ON profiles(last_activity);
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	sender_id    TEXT NOT NULL,
	recipient_id TEXT,
	nickname     TEXT NOT NULL DEFAULT '',
	city         TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL DEFAULT '',
	media_type   TEXT,
	media_url    TEXT,
	type         TEXT NOT NULL CHECK (type IN ('public', 'private')),
	created_at   INTEGER NOT NULL,
	CHECK ((type = 'private') = (recipient_id IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
CREATE TABLE IF NOT EXISTS user_blocks (
	blocker_id TEXT NOT NULL,
	blocked_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (blocker_id, blocked_id)
);
CREATE TABLE IF NOT EXISTS push_subscriptions (
	user_id  TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	auth     TEXT NOT NULL,
	p256dh   TEXT NOT NULL,
	PRIMARY KEY (user_id, endpoint)
);
CREATE TABLE IF NOT EXISTS files (
	path       TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	mime_type  TEXT NOT NULL,
	size       INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
`

// SQLiteStorage implements Store on an SQLite database.
type SQLiteStorage struct {
	db *sql.DB
	mu sync.RWMutex
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStorage) UpsertCredentials(c auth.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO credentials (user_id, email, password_hash, failed_login_attempts, last_attempt_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			email = excluded.email,
			password_hash = excluded.password_hash,
			failed_login_attempts = excluded.failed_login_attempts,
			last_attempt_time = excluded.last_attempt_time`,
		c.UserID, c.Email, c.PasswordHash, c.FailedLoginAttempts, c.LastAttemptTime)
	if isUniqueViolation(err) {
		return fmt.Errorf("email %s: %w", c.Email, models.ErrConflict)
	}
	return err
}

func (s *SQLiteStorage) ListCredentials() ([]auth.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT user_id, email, password_hash, failed_login_attempts, last_attempt_time FROM credentials`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []auth.Credentials
	for rows.Next() {
		var c auth.Credentials
		if err := rows.Scan(&c.UserID, &c.Email, &c.PasswordHash, &c.FailedLoginAttempts, &c.LastAttemptTime); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) UpsertProfile(p models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO profiles (id, nickname, city, email, last_activity)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			nickname = excluded.nickname,
			city = excluded.city,
			email = excluded.email,
			last_activity = excluded.last_activity`,
		p.ID, p.Nickname, p.City, p.Email, p.LastActivity.UnixNano())
	if isUniqueViolation(err) {
		return fmt.Errorf("nickname %s: %w", p.Nickname, models.ErrConflict)
	}
	return err
}

const profileColumns = `id, nickname, city, email, last_activity`

func scanProfile(row interface{ Scan(...any) error }) (models.Profile, error) {
	var p models.Profile
	var lastActivity int64
	if err := row.Scan(&p.ID, &p.Nickname, &p.City, &p.Email, &lastActivity); err != nil {
		return models.Profile{}, err
	}
	p.LastActivity = time.Unix(0, lastActivity).UTC()
	return p, nil
}

func (s *SQLiteStorage) queryProfile(what, query string, args ...any) (models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := scanProfile(s.db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Profile{}, fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return p, err
}

func (s *SQLiteStorage) GetProfile(id string) (models.Profile, error) {
	return s.queryProfile("profile "+id, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id)
}

func (s *SQLiteStorage) FindProfileByNickname(nickname string) (models.Profile, error) {
	return s.queryProfile("nickname "+nickname, `SELECT `+profileColumns+` FROM profiles WHERE nickname = ? COLLATE NOCASE`, nickname)
}

func (s *SQLiteStorage) TouchActivity(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE profiles SET last_activity = ? WHERE id = ?`, at.UnixNano(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("profile %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStorage) ListActiveProfiles(since time.Time) ([]models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT `+profileColumns+` FROM profiles WHERE last_activity >= ? ORDER BY last_activity DESC`, since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *SQLiteStorage) InsertMessage(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var mediaType, mediaURL string
	if m.Media != nil {
		mediaType, mediaURL = string(m.Media.Type), m.Media.URL
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (id, sender_id, recipient_id, nickname, city, body, media_type, media_url, type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SenderID, nullable(m.RecipientID), m.Nickname, m.City, m.Body,
		nullable(mediaType), nullable(mediaURL), string(m.Type), m.CreatedAt.UnixNano())
	if isUniqueViolation(err) {
		return fmt.Errorf("message %s: %w", m.ID, models.ErrConflict)
	}
	return err
}

func (s *SQLiteStorage) listMessages(where string, limit int, args ...any) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT id, sender_id, recipient_id, nickname, city, body, media_type, media_url, type, created_at
		FROM messages WHERE ` + where + ` ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := s.db.Query(query, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []models.Message
	for rows.Next() {
		var (
			m                              models.Message
			recipient, mediaType, mediaURL sql.NullString
			msgType                        string
			createdAt                      int64
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &recipient, &m.Nickname, &m.City, &m.Body,
			&mediaType, &mediaURL, &msgType, &createdAt); err != nil {
			return nil, err
		}
		m.RecipientID = recipient.String
		m.Type = models.MessageType(msgType)
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		if mediaType.Valid {
			m.Media = &models.Media{Type: models.MediaType(mediaType.String), URL: mediaURL.String}
		}
		out = append(out, m)
	}
	slices.Reverse(out)
	return out, rows.Err()
}

func (s *SQLiteStorage) ListPublicMessages(limit int) ([]models.Message, error) {
	return s.listMessages(`type = 'public'`, limit)
}

func (s *SQLiteStorage) ListPrivateMessages(a, b string, limit int) ([]models.Message, error) {
	return s.listMessages(`type = 'private' AND ((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))`,
		limit, a, b, b, a)
}

func (s *SQLiteStorage) DeleteMessagesByUser(userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM messages WHERE sender_id = ? OR recipient_id = ?`, userID, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStorage) InsertBlock(b models.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT OR IGNORE INTO user_blocks (blocker_id, blocked_id, created_at) VALUES (?, ?, ?)`,
		b.BlockerID, b.BlockedID, b.CreatedAt.UnixNano())
	return err
}

func (s *SQLiteStorage) DeleteBlock(blockerID, blockedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM user_blocks WHERE blocker_id = ? AND blocked_id = ?`, blockerID, blockedID)
	return err
}

func (s *SQLiteStorage) ListBlocked(blockerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT blocked_id FROM user_blocks WHERE blocker_id = ? ORDER BY blocked_id`, blockerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) IsBlocked(blockerID, blockedID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM user_blocks WHERE blocker_id = ? AND blocked_id = ?`, blockerID, blockedID).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStorage) AddPushSubscription(userID string, sub models.PushSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO push_subscriptions (user_id, endpoint, auth, p256dh) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, endpoint) DO UPDATE SET auth = excluded.auth, p256dh = excluded.p256dh`,
		userID, sub.Endpoint, sub.Keys.Auth, sub.Keys.P256dh)
	return err
}

func (s *SQLiteStorage) ListPushSubscriptions(userID string) ([]models.PushSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT endpoint, auth, p256dh FROM push_subscriptions WHERE user_id = ? ORDER BY endpoint`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []models.PushSubscription
	for rows.Next() {
		var sub models.PushSubscription
		if err := rows.Scan(&sub.Endpoint, &sub.Keys.Auth, &sub.Keys.P256dh); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) UpsertFileMetadata(meta FileMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO files (path, owner_id, mime_type, size, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			owner_id = excluded.owner_id, mime_type = excluded.mime_type,
			size = excluded.size, created_at = excluded.created_at`,
		meta.Path, meta.OwnerID, meta.MimeType, meta.Size, meta.CreatedAt)
	return err
}

func (s *SQLiteStorage) ListFileMetadata(prefix string) ([]FileMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT path, owner_id, mime_type, size, created_at FROM files
		WHERE substr(path, 1, length(?)) = ? ORDER BY path`, prefix, prefix)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []FileMetadata
	for rows.Next() {
		var f FileMetadata
		if err := rows.Scan(&f.Path, &f.OwnerID, &f.MimeType, &f.Size, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) DeleteFileMetadata(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM files WHERE path = ?`, path)
	return err
}
