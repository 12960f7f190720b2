// Package relay mirrors turn-blocking requests to a chat platform (Slack,
// Discord) and lets operators answer them from there.
package relay

import (
	"context"
	"time"
)

// Adapter is the interface platform-specific implementations must satisfy.
// Each adapter handles connection management and message exchange for a
// single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform. The
	// channel is closed when the adapter is closed. Listen must only be
	// called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// InboundMessage is a message received from the chat platform.
type InboundMessage struct {
	Platform  string // "slack", "discord"
	ChannelID string
	ThreadID  string // empty if top-level
	UserID    string
	UserName  string
	Text      string
	Timestamp time.Time
}

// OutboundMessage is a message to post to the chat platform.
type OutboundMessage struct {
	ChannelID string // empty for the adapter's default channel
	ThreadID  string // reply thread, empty for a top-level post
	Text      string
	Events    []FormattedEvent
}

// FormattedEvent is a notification rendered as a chat attachment.
type FormattedEvent struct {
	Title    string
	Body     string
	Severity string // info, warning, error, success
	Color    string // sidebar color hint, e.g. "#36a64f"
	Fields   []Field
}

// Field is a key-value pair displayed in an attachment.
type Field struct {
	Name  string
	Value string
	Short bool // render side-by-side with another field
}

// BotUserIDer is implemented by adapters that know the bot's own user ID,
// so the relay can ignore its own messages.
type BotUserIDer interface {
	BotUserID() string
}
