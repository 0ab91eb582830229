package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"tagarela/internal/models"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	MinPasswordLength  = 6
)

var (
	ErrUserExists         = fmt.Errorf("%w: email is already registered", models.ErrConflict)
	ErrInvalidCredentials = fmt.Errorf("%w: invalid email or password", models.ErrUnauthenticated)
)

// Credentials is the secret half of a user account. Profile data lives in
// the store next to it.
type Credentials struct {
	UserID       string `json:"userId"`
	Email        string `json:"email"`
	PasswordHash string `json:"passwordHash"`
	// Consecutive failed login attempts to throttle brute force attacks.
	FailedLoginAttempts int64 `json:"failedLoginAttempts"`
	LastAttemptTime     int64 `json:"lastAttemptTime"`
}

func (c *Credentials) ResetFailedLoginAttempts(now time.Time) {
	c.FailedLoginAttempts = 0
	c.LastAttemptTime = now.Unix()
}

func (c *Credentials) IncrementFailedLoginAttempts(now time.Time) {
	c.FailedLoginAttempts++
	c.LastAttemptTime = now.Unix()
}

type credentialStore interface {
	UpsertCredentials(Credentials) error
	ListCredentials() ([]Credentials, error)
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

type AuthService struct {
	Config
	store credentialStore
	// keyed by normalized email
	users      *geche.Locker[string, *Credentials]
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// NewAuthService creates the service and restores known credentials from
// the store.
func NewAuthService(ctx context.Context, config Config, store credentialStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	as := &AuthService{
		Config:     config,
		store:      store,
		users:      geche.NewLocker[string, *Credentials](geche.NewMapCache[string, *Credentials]()),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}

	creds, err := store.ListCredentials()
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	tx := as.users.Lock()
	defer tx.Unlock()
	for _, c := range creds {
		tx.Set(c.Email, &c)
	}

	return as, nil
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateCredentials(email, password string) error {
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return models.Validationf("invalid email address")
	}
	if len(password) < MinPasswordLength {
		return models.Validationf("password must be at least %d characters", MinPasswordLength)
	}
	return nil
}

// peppered mixes the server secret into the password before bcrypt, which
// also keeps the input under bcrypt's 72 byte limit.
func (as *AuthService) peppered(password string) []byte {
	h := hmac.New(sha256.New, as.secretBytes)
	h.Write([]byte(password))
	return []byte(base64.StdEncoding.EncodeToString(h.Sum(nil)))
}

// Register creates credentials for a new account.
func (as *AuthService) Register(email, password string) (Credentials, error) {
	email = NormalizeEmail(email)
	if err := validateCredentials(email, password); err != nil {
		return Credentials{}, err
	}

	hash, err := bcrypt.GenerateFromPassword(as.peppered(password), bcrypt.DefaultCost)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to hash password: %w", err)
	}

	tx := as.users.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(email); err == nil {
		return Credentials{}, ErrUserExists
	}

	creds := &Credentials{
		UserID:       uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := as.store.UpsertCredentials(*creds); err != nil {
		return Credentials{}, fmt.Errorf("failed to store credentials: %w", err)
	}
	tx.Set(email, creds)

	return *creds, nil
}

// Login checks the password and issues a session token.
func (as *AuthService) Login(email, password string) (token string, userID string, err error) {
	now := as.now()
	email = NormalizeEmail(email)
	tx := as.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(email)
	if err != nil {
		return "", "", ErrInvalidCredentials
	}

	// Check failed login attempts
	if user.FailedLoginAttempts > 3 {
		failedAttempts := user.FailedLoginAttempts
		nextAttempt := user.LastAttemptTime + 30*(failedAttempts*failedAttempts)
		if now.Unix() < nextAttempt {
			return "", "", fmt.Errorf("%w: too many failed login attempts, next attempt in %d seconds",
				models.ErrUnauthenticated, nextAttempt-now.Unix())
		}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), as.peppered(password)); err != nil {
		user.IncrementFailedLoginAttempts(now)
		as.persist(*user)
		return "", "", ErrInvalidCredentials
	}

	token, err = as.generateToken()
	if err != nil {
		slog.Error("login failed", "user_id", user.UserID, "error", err)
		return "", "", err
	}

	as.liveTokens.Set(token, user.UserID)
	if user.FailedLoginAttempts > 0 {
		user.ResetFailedLoginAttempts(now)
		as.persist(*user)
	}

	return token, user.UserID, nil
}

func (as *AuthService) persist(c Credentials) {
	if err := as.store.UpsertCredentials(c); err != nil {
		slog.Error("failed to persist credentials", "user_id", c.UserID, "error", err)
	}
}

// TokenExpiryAt returns the moment a token issued now stops being valid.
func (as *AuthService) TokenExpiryAt() time.Time {
	return as.now().Add(as.TokenExpiry)
}

func (as *AuthService) Logoff(token string) error {
	return as.liveTokens.Del(token)
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func (as *AuthService) GetUserID(token string) (string, error) {
	if token == "" {
		return "", models.ErrUnauthenticated
	}
	userID, err := as.liveTokens.Get(token)
	if err != nil {
		return "", models.ErrUnauthenticated
	}
	return userID, nil
}
