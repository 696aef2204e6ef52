package streamchat

import (
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const (
	MaxMessageBytes = 16384
	MaxMessageChars = 4000
)

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("message is required")
	}
	if len(text) > MaxMessageBytes {
		return errors.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return errors.New("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxMessageChars {
		return errors.Errorf("message exceeds %d character limit", MaxMessageChars)
	}
	return nil
}
