package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverBbolt  = "bbolt"
	DriverSQLite = "sqlite"
)

type Config struct {
	DBFile        string
	StorageDriver string
	AdminAddr     string
	APIAddr       string
	BaseURL       string
	UploadsPath   string
	AuthSecret    string
	TokenExpiry   time.Duration

	PersistMessages   bool
	InactivityTimeout time.Duration
	ActivityDebounce  time.Duration
	OnlineWindow      time.Duration
	PushGrace         time.Duration
	PollInterval      time.Duration
	MaxImageBytes     int64
	MaxVideoBytes     int64

	STUNURLs []string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first for variables that are not set.
func Load(cliMode bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		DBFile:          getEnv("TAGARELA_DB", "tagarela.db"),
		StorageDriver:   getEnv("STORAGE_DRIVER", DriverBbolt),
		AdminAddr:       getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:         getEnv("API_ADDR", ":8080"),
		BaseURL:         strings.TrimSuffix(getEnv("BASE_URL", "http://localhost:8080"), "/"),
		UploadsPath:     getEnv("UPLOADS_PATH", "uploads"),
		AuthSecret:      os.Getenv("AUTH_SECRET"),
		STUNURLs:        splitList(getEnv("STUN_URLS", "stun:stun.l.google.com:19302")),
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubject:    getEnv("VAPID_SUBJECT", "mailto:admin@localhost"),
	}

	var err error
	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"TOKEN_EXPIRY", "24h", &cfg.TokenExpiry},
		{"INACTIVITY_TIMEOUT", "30m", &cfg.InactivityTimeout},
		{"ACTIVITY_DEBOUNCE", "15s", &cfg.ActivityDebounce},
		{"ONLINE_WINDOW", "30m", &cfg.OnlineWindow},
		{"PUSH_GRACE", "15s", &cfg.PushGrace},
		{"POLL_INTERVAL", "5s", &cfg.PollInterval},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(getEnv(d.key, d.fallback)); err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
	}

	if cfg.PersistMessages, err = strconv.ParseBool(getEnv("PERSIST_MESSAGES", "true")); err != nil {
		return nil, fmt.Errorf("PERSIST_MESSAGES: %w", err)
	}
	if cfg.MaxImageBytes, err = parseSize(getEnv("MAX_IMAGE_BYTES", "5MiB")); err != nil {
		return nil, fmt.Errorf("MAX_IMAGE_BYTES: %w", err)
	}
	if cfg.MaxVideoBytes, err = parseSize(getEnv("MAX_VIDEO_BYTES", "10MiB")); err != nil {
		return nil, fmt.Errorf("MAX_VIDEO_BYTES: %w", err)
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.StorageDriver != DriverBbolt && c.StorageDriver != DriverSQLite {
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", DriverBbolt, DriverSQLite, c.StorageDriver)
	}

	for name, d := range map[string]time.Duration{
		"INACTIVITY_TIMEOUT": c.InactivityTimeout,
		"ACTIVITY_DEBOUNCE":  c.ActivityDebounce,
		"ONLINE_WINDOW":      c.OnlineWindow,
		"PUSH_GRACE":         c.PushGrace,
		"POLL_INTERVAL":      c.PollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0", name)
		}
	}

	if c.ActivityDebounce >= c.InactivityTimeout {
		return fmt.Errorf("ACTIVITY_DEBOUNCE must be shorter than INACTIVITY_TIMEOUT")
	}

	if c.MaxImageBytes <= 0 || c.MaxVideoBytes <= 0 {
		return fmt.Errorf("media size limits must be greater than 0")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

// PushEnabled reports whether web push keys are configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseSize accepts plain byte counts and KiB/MiB suffixes.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "MiB"):
		mult, s = 1<<20, strings.TrimSuffix(s, "MiB")
	case strings.HasSuffix(s, "KiB"):
		mult, s = 1<<10, strings.TrimSuffix(s, "KiB")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
