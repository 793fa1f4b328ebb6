package canonicalize

import (
	"fmt"
	"unicode/utf8"
)

// envelope is the frozen hash input. Changing its members or encoding
// invalidates every stored chain.
type envelope struct {
	EventType string  `json:"event_type"`
	Payload   Value   `json:"payload"`
	PrevHash  *string `json:"prev_hash"`
}

// Envelope returns the canonical bytes of
// {"event_type": eventType, "payload": payload, "prev_hash": prevHash}.
// An empty prevHash is encoded as null.
func Envelope(eventType string, payload Value, prevHash string) ([]byte, error) {
	if !utf8.ValidString(eventType) {
		return nil, fmt.Errorf("%w: invalid UTF-8 in event type", ErrUnsupported)
	}
	if !utf8.ValidString(prevHash) {
		return nil, fmt.Errorf("%w: invalid UTF-8 in prev hash", ErrUnsupported)
	}
	env := envelope{EventType: eventType, Payload: payload}
	if prevHash != "" {
		env.PrevHash = &prevHash
	}
	return JCS(env)
}
