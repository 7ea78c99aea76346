package content

import (
	"strings"
	"testing"
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
		{"Bold", "is it **still** available?", "<strong>still</strong>", ""},
		{"Paragraph", "hello", "<p>hello</p>", ""},
		{"Raw HTML dropped", "ok <script>alert(1)</script>", "ok", "<script>"},
		{"Link", "see https://example.com/listing/42", `href="https://example.com/listing/42"`, ""},
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

func TestValidateText(t *testing.T) {
	if err := ValidateText("hi"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateText("   \n"); err != ErrEmptyMessage {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
	if err := ValidateText(strings.Repeat("x", MaxMessageLength+1)); err != ErrMessageTooLong {
		t.Errorf("expected ErrMessageTooLong, got %v", err)
	}
	// Length counts characters, not bytes.
	if err := ValidateText(strings.Repeat("я", MaxMessageLength)); err != nil {
		t.Errorf("unexpected error for multibyte text: %v", err)
	}
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		wantErr  bool
	}{
		{"Valid simple", "alice", false},
		{"Valid with dot", "alice.smith", false},
		{"Valid with dash", "alice-smith", false},
		{"Empty", "", true},
		{"Space", "alice smith", true},
		{"HTML", "<b>alice</b>", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateUsername(tt.username); (err != nil) != tt.wantErr {
				t.Errorf("ValidateUsername() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
