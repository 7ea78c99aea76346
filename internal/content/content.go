package content

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const MaxMessageLength = 4000

var (
	policy        = bluemonday.UGCPolicy()
	markdown      = goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify))
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	ErrEmptyMessage   = errors.New("message text cannot be empty")
	ErrMessageTooLong = fmt.Errorf("message text exceeds %d characters", MaxMessageLength)
)

// Sanitize removes unsafe HTML from the input string using the UGC policy.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Render converts message markdown into sanitized HTML.
// Raw HTML in the source is never passed through.
func Render(text string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return Sanitize(text)
	}
	return Sanitize(buf.String())
}

// ValidateText checks a message body before it is stored.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
