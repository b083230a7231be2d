// Package notify pushes Paynless events (stage runs, ledger audits) to chat
// platforms such as Slack and Discord.
package notify

import (
	"context"
	"errors"
)

// Sink is implemented by each platform adapter.
type Sink interface {
	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg Message) error
}

// Message is an outbound chat message.
type Message struct {
	ChannelID string  // target channel; adapters fall back to their default
	Text      string  // message text (platform-native formatting)
	Events    []Event // structured event attachments
}

// Event is a Paynless event formatted for display in chat.
type Event struct {
	Title    string  // event headline (e.g. "Thesis generation complete")
	Body     string  // detail text
	Severity string  // "info", "warning", "error", "success"
	Color    string  // sidebar color hint (e.g. "#36a64f" for success)
	Fields   []Field // key-value metadata pairs
}

// Field is a key-value pair displayed in an event attachment.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// Multi sends every message to all of its sinks. Each sink is tried even
// when an earlier one fails; the failures are joined.
type Multi []Sink

// Send implements Sink.
func (m Multi) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
