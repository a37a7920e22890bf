package content

import (
	"bytes"
	"errors"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"touchline/internal/models"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

const (
	// PreviewLength is the maximum number of runes of a conversation preview.
	PreviewLength     = 80
	DisplayNameLength = 64
)

var (
	policy        = bluemonday.UGCPolicy()
	stripPolicy   = bluemonday.StrictPolicy()
	markdown      = goldmark.New()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	spaceRegex    = regexp.MustCompile(`\s+`)
)

// Sanitize drops unsafe HTML from message content, keeping the markup a
// chat message may reasonably carry.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// DisplayName strips every tag from a display name and collapses whitespace.
func DisplayName(input string) string {
	plain := html.UnescapeString(stripPolicy.Sanitize(input))
	return truncate(strings.TrimSpace(spaceRegex.ReplaceAllString(plain, " ")), DisplayNameLength)
}

// Preview returns the one-line plain-text summary of a message shown in the
// conversation list. Markdown is rendered and every tag stripped; media
// messages get a label.
func Preview(messageType models.MessageType, text string) string {
	switch messageType {
	case models.MessageTypeImage:
		return "📷 Photo"
	case models.MessageTypeVideo:
		return "🎥 Video"
	case models.MessageTypeFile:
		return "📎 File"
	}

	var buf bytes.Buffer
	plain := text
	if err := markdown.Convert([]byte(text), &buf); err == nil {
		plain = html.UnescapeString(stripPolicy.Sanitize(buf.String()))
	}
	plain = strings.TrimSpace(spaceRegex.ReplaceAllString(plain, " "))
	return truncate(plain, PreviewLength)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n-1])) + "…"
}

// ValidateUsername accepts 1 to 32 characters of letters, digits, dot, dash and underscore.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if len(username) > 32 {
		return errors.New("username is longer than 32 characters")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
