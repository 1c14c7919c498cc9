package chat

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrValidation marks input rejected before any network call.
var ErrValidation = errors.New("validation failed")

const (
	MaxMessageRunes    = 32000
	MaxAttachmentBytes = 20 << 20
	MaxAudioBytes      = 25 << 20
)

// Invalid wraps ErrValidation with a reason.
func Invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrValidation, format, args...)
}

// ValidateMessage checks a user message before it is appended.
func ValidateMessage(text string, parts []Part) error {
	if strings.TrimSpace(text) == "" && len(parts) == 0 {
		return Invalid("message is empty")
	}
	if n := len([]rune(text)); n > MaxMessageRunes {
		return Invalid("message is too long (%d characters, max %d)", n, MaxMessageRunes)
	}
	for _, p := range parts {
		switch p.Type {
		case PartText, PartDocument:
			if len(p.Text) > MaxAttachmentBytes {
				return Invalid("attachment %q is too large", p.Name)
			}
		case PartImage:
			if p.ImageURL == "" {
				return Invalid("image attachment has no data")
			}
			if len(p.ImageURL) > MaxAttachmentBytes {
				return Invalid("image %q is too large", p.Name)
			}
		default:
			return Invalid("unsupported attachment type %q", p.Type)
		}
	}
	return nil
}

// ValidateAudio checks a voice upload before transcription.
func ValidateAudio(size int64) error {
	if size <= 0 {
		return Invalid("audio is empty")
	}
	if size > MaxAudioBytes {
		return Invalid("audio is too large (%d bytes, max %d)", size, MaxAudioBytes)
	}
	return nil
}
