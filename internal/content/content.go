package content

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/h2non/filetype"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"tagarela/internal/models"
)

const (
	MaxNicknameLength = 32
	MaxCityLength     = 64
	MaxBodyLength     = 4000
)

var (
	policy        = bluemonday.UGCPolicy()
	strictPolicy  = bluemonday.StrictPolicy()
	markdown      = goldmark.New()
	nicknameRegex = regexp.MustCompile(`^[\p{L}\p{N}._-]+$`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for sanitizing user inputs like nicknames and messages.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// StripTags removes every HTML tag, keeping the text.
func StripTags(input string) string {
	return strictPolicy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// Render converts a markdown message body into sanitized HTML.
func Render(body string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(body), &buf); err != nil {
		return Escape(body)
	}
	return policy.Sanitize(buf.String())
}

// ValidateNickname checks that the nickname is non-empty, not too long and
// contains only letters, digits, dot, dash and underscore.
func ValidateNickname(nickname string) error {
	if nickname == "" {
		return errors.Join(models.ErrValidation, errors.New("nickname cannot be empty"))
	}
	if utf8.RuneCountInString(nickname) > MaxNicknameLength {
		return errors.Join(models.ErrValidation, fmt.Errorf("nickname is longer than %d characters", MaxNicknameLength))
	}
	if !nicknameRegex.MatchString(nickname) {
		return errors.Join(models.ErrValidation, errors.New("nickname contains invalid characters (allowed: letters, digits, dot, dash, underscore)"))
	}
	return nil
}

// ValidateCity trims the city and checks its length.
func ValidateCity(city string) (string, error) {
	city = strings.TrimSpace(StripTags(city))
	if utf8.RuneCountInString(city) > MaxCityLength {
		return "", models.Validationf("city is longer than %d characters", MaxCityLength)
	}
	return city, nil
}

// CleanBody sanitizes a message body and checks its length.
func CleanBody(body string) (string, error) {
	body = strings.TrimSpace(Sanitize(body))
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return "", models.Validationf("message is longer than %d characters", MaxBodyLength)
	}
	return body, nil
}

// Limits caps the size of uploaded media per kind.
type Limits struct {
	MaxImageBytes int64
	MaxVideoBytes int64
}

// MediaInfo describes a validated upload.
type MediaInfo struct {
	Type      models.MediaType
	MIME      string
	Extension string
}

// ValidateMedia sniffs the content type of data and checks it against the
// size limit of its kind. Anything that is neither an image nor a video is
// rejected.
func ValidateMedia(data []byte, limits Limits) (MediaInfo, error) {
	if len(data) == 0 {
		return MediaInfo{}, models.Validationf("file is empty")
	}

	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		return MediaInfo{}, models.Validationf("unrecognized file type")
	}

	info := MediaInfo{MIME: kind.MIME.Value, Extension: kind.Extension}
	size := int64(len(data))
	switch {
	case filetype.IsImage(data):
		info.Type = models.MediaTypeImage
		if size > limits.MaxImageBytes {
			return MediaInfo{}, models.Validationf("image is larger than %d bytes", limits.MaxImageBytes)
		}
	case filetype.IsVideo(data):
		info.Type = models.MediaTypeVideo
		if size > limits.MaxVideoBytes {
			return MediaInfo{}, models.Validationf("video is larger than %d bytes", limits.MaxVideoBytes)
		}
	default:
		return MediaInfo{}, models.Validationf("only images and videos are allowed, got %s", kind.MIME.Value)
	}
	return info, nil
}
