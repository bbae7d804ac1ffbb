package message

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxBodyBytes = 4096 // 4KB max payload
	MaxBodyChars = 2000 // max character count
)

// ValidateBody checks that a message body meets content requirements.
// An empty or whitespace-only body is rejected with ErrEmptyBody.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyBody
	}
	if len(body) > MaxBodyBytes {
		return fmt.Errorf("message: body exceeds %d byte limit", MaxBodyBytes)
	}
	if utf8.RuneCountInString(body) > MaxBodyChars {
		return fmt.Errorf("message: body exceeds %d character limit", MaxBodyChars)
	}
	if !utf8.ValidString(body) {
		return fmt.Errorf("message: body contains invalid UTF-8")
	}
	return nil
}
