package content

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"tagarela/internal/models"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Hello World", "Hello World"},
		{"HTML tags", "Hello <b>World</b>", "Hello <b>World</b>"},
		{"Script tag", "<script>alert('xss')</script>Hello", "Hello"},
		{"Complex HTML", "<a href='javascript:alert(1)'>Click me</a>", "Click me"},
		{"Emoji", "I am 🤖", "I am 🤖"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.expected {
				t.Errorf("Sanitize() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains string
		absent   string
	}{
		{"Bold", "**hi**", "<strong>hi</strong>", ""},
		{"Link", "[site](https://example.com)", `href="https://example.com"`, ""},
		{"Raw script dropped", "<script>alert(1)</script>\n\ntext", "text", "<script>"},
		{"JS link dropped", "[x](javascript:alert(1))", "x", "javascript:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Render(tt.input)
			if !strings.Contains(got, tt.contains) {
				t.Errorf("Render() = %q, want it to contain %q", got, tt.contains)
			}
			if tt.absent != "" && strings.Contains(got, tt.absent) {
				t.Errorf("Render() = %q, must not contain %q", got, tt.absent)
			}
		})
	}
}

func TestValidateNickname(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"Valid alphanumeric", "user123", false},
		{"Valid with dot", "user.name", false},
		{"Valid with dash", "user-name", false},
		{"Valid with underscore", "user_name", false},
		{"Valid unicode letters", "João", false},
		{"Invalid space", "user name", true},
		{"Invalid special char", "user@name", true},
		{"Invalid script", "<script>", true},
		{"Empty", "", true},
		{"Too long", strings.Repeat("a", MaxNicknameLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNickname(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateNickname() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, models.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestCleanBody(t *testing.T) {
	got, err := CleanBody("  hello <script>x</script> ")
	if err != nil {
		t.Fatalf("CleanBody() failed: %v", err)
	}
	if got != "hello" {
		t.Errorf("CleanBody() = %q, want %q", got, "hello")
	}
	if _, err := CleanBody(strings.Repeat("a", MaxBodyLength+1)); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected ErrValidation for long body, got %v", err)
	}
}

func pngBytes(size int) []byte {
	b := make([]byte, size)
	copy(b, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
	return b
}

func mp4Bytes(size int) []byte {
	b := make([]byte, size)
	copy(b, []byte{0, 0, 0, 0x20, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'})
	return b
}

func TestValidateMedia(t *testing.T) {
	limits := Limits{MaxImageBytes: 1024, MaxVideoBytes: 4096}

	tests := []struct {
		name     string
		data     []byte
		wantType models.MediaType
		wantErr  bool
	}{
		{"Small image", pngBytes(512), models.MediaTypeImage, false},
		{"Image at limit", pngBytes(1024), models.MediaTypeImage, false},
		{"Image over limit", pngBytes(1025), "", true},
		{"Small video", mp4Bytes(2048), models.MediaTypeVideo, false},
		{"Video over limit", mp4Bytes(4097), "", true},
		{"PDF", append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte{'x'}, 64)...), "", true},
		{"Unknown", []byte("just some text"), "", true},
		{"Empty", nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := ValidateMedia(tt.data, limits)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateMedia() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, models.ErrValidation) {
					t.Errorf("expected ErrValidation, got %v", err)
				}
				return
			}
			if info.Type != tt.wantType {
				t.Errorf("type = %s, want %s", info.Type, tt.wantType)
			}
			if info.Extension == "" {
				t.Error("expected an extension")
			}
		})
	}
}
