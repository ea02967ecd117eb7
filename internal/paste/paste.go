package paste

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/tombowditch/pastey-relay/internal/config"
)

// ValidationError holds validation failure details.
type ValidationError struct {
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Validate checks if the paste body is acceptable for publishing.
// Returns nil if valid, or a *ValidationError with appropriate status code and message.
func Validate(body []byte) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		return &ValidationError{
			StatusCode: http.StatusBadRequest,
			Message:    "cannot paste void",
		}
	}

	if len(body) > config.MaxPayloadSize {
		return &ValidationError{
			StatusCode: http.StatusRequestEntityTooLarge,
			Message:    "payload too big",
		}
	}

	// The backends store text.
	if !utf8.Valid(body) {
		return &ValidationError{
			StatusCode: http.StatusUnsupportedMediaType,
			Message:    "content is not valid UTF-8 text",
		}
	}

	content := string(body)
	for _, phrase := range config.BlacklistedPhrases {
		if strings.Contains(content, phrase) {
			return &ValidationError{
				StatusCode: http.StatusForbidden,
				Message:    "blacklisted phrases, antispam system\npaste rejected",
			}
		}
	}

	return nil
}
