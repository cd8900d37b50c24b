package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/carpool/ridematch/internal/apperr"
)

const (
	MaxMessageBytes = 4096
	MaxBodyChars    = 2000
)

// ValidateBody trims body and checks it is fit to store. A body that is
// blank after trimming is an EmptyMessage error.
func ValidateBody(body string) (string, error) {
	text := strings.TrimSpace(body)
	if text == "" {
		return "", apperr.ErrEmptyMessage
	}
	if !utf8.ValidString(text) {
		return "", apperr.ErrInvalidRequest.WithMessage("message contains invalid UTF-8")
	}
	if len(text) > MaxMessageBytes {
		return "", apperr.ErrInvalidRequest.WithMessage(fmt.Sprintf("message exceeds %d byte limit", MaxMessageBytes))
	}
	if utf8.RuneCountInString(text) > MaxBodyChars {
		return "", apperr.ErrInvalidRequest.WithMessage(fmt.Sprintf("message exceeds %d character limit", MaxBodyChars))
	}
	return text, nil
}
