package post

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxTitleLength   = 100
	MaxContentLength = 1000
)

const (
	MsgRequired      = "Title and content are required"
	MsgTitleLength   = "Title must be 100 characters or less"
	MsgContentLength = "Content must be 1000 characters or less"
)

// ValidationError is returned for input that must never reach a store.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", e.Message)
}

// Validate trims title and content and checks them against the length limits.
// Lengths are counted in characters, not bytes.
func Validate(title, content string) (string, string, error) {
	title = strings.TrimSpace(title)
	content = strings.TrimSpace(content)
	if title == "" || content == "" {
		return "", "", &ValidationError{Message: MsgRequired}
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return "", "", &ValidationError{Message: MsgTitleLength}
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", "", &ValidationError{Message: MsgContentLength}
	}
	return title, content, nil
}
