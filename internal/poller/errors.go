package poller

import (
	"errors"
	"strings"
)

// NotReadyMessage is the fragment of the backend error text that means the file
// exists but has no status record yet. Older clients only have the message to go on.
const NotReadyMessage = "not found or is still being processed"

var (
	// ErrNotReady is the structured form of the not-ready condition
	ErrNotReady = errors.New("File " + NotReadyMessage)

	ErrEmptySubject = errors.New("poller: subject id is required")
	ErrClosed       = errors.New("poller: closed")
	ErrPollTimeout  = errors.New("poller: maximum polling duration exceeded")
)

// IsNotReady reports whether err means "keep polling" rather than "give up".
func IsNotReady(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotReady) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), NotReadyMessage)
}
