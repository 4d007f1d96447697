package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxIDLength       = 128
	MaxChatLength     = 2000
	MaxClassTitleSize = 200
)

var (
	// IDRegex accepts room, transport, producer and consumer identifiers
	// (uuids and slug-like names).
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]*$`)

	// MimeTypeRegex validates "audio/opus"-style codec names
	MimeTypeRegex = regexp.MustCompile(`^(audio|video)/[a-zA-Z0-9.+-]+$`)
)

// ValidateID validates an identifier field named fieldName.
func ValidateID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, MaxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

func ValidateRoomID(roomID string) error {
	return ValidateID(roomID, "roomId")
}

func ValidateDirection(direction string) error {
	switch direction {
	case "send", "recv":
		return nil
	case "":
		return fmt.Errorf("direction is required")
	default:
		return fmt.Errorf("invalid direction %q (must be send or recv)", direction)
	}
}

func ValidateKind(kind string) error {
	switch kind {
	case "audio", "video":
		return nil
	case "":
		return fmt.Errorf("kind is required")
	default:
		return fmt.Errorf("invalid kind %q (must be audio or video)", kind)
	}
}

func ValidateMimeType(mimeType string) error {
	if !MimeTypeRegex.MatchString(mimeType) {
		return fmt.Errorf("invalid mimeType %q", mimeType)
	}
	return nil
}

// ValidateChatMessage validates a chat line after trimming.
func ValidateChatMessage(message string) error {
	if err := ValidateNonEmptyString(message, "message"); err != nil {
		return err
	}
	if !utf8.ValidString(message) {
		return fmt.Errorf("message contains invalid characters")
	}
	return ValidateStringLength(message, 1, MaxChatLength, "message")
}

func ValidateClassTitle(title string) error {
	if err := ValidateNonEmptyString(title, "title"); err != nil {
		return err
	}
	return ValidateStringLength(strings.TrimSpace(title), 1, MaxClassTitleSize, "title")
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
