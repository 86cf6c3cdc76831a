// Package mail defines the normalized view of an inbound email message.
package mail

import (
	"strings"
	"time"
)

// Message is one inbound email, normalized. The ID is the provider's
// stable message identifier. Messages are immutable once constructed;
// the pipeline never mutates them.
type Message struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Sender     string    `json:"sender"`
	ReceivedAt time.Time `json:"received_at"`
}

// Valid reports whether the message carries the minimum fields the
// pipeline needs. Messages without an ID cannot be deduplicated and
// are dropped at the source boundary.
func (m *Message) Valid() bool {
	return m != nil && strings.TrimSpace(m.ID) != ""
}
