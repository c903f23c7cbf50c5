package transport

import (
	"context"
	"errors"
)

// ErrDisconnected is returned by Run when the chat connection is lost.
var ErrDisconnected = errors.New("transport disconnected")

// Message is one inbound chat message
type Message struct {
	SenderID  string
	GroupID   string // empty for private messages
	MessageID string
	Text      string
	Mentioned bool
}

// IsGroup reports whether the message came from a group chat.
func (m *Message) IsGroup() bool {
	return m.GroupID != ""
}

func (m *Message) ChatType() string {
	if m.IsGroup() {
		return "group"
	}
	return "private"
}

// Handler returns the reply to msg. An empty reply sends nothing.
type Handler func(ctx context.Context, msg *Message) string

// Transport connects the bot to a chat network
type Transport interface {
	// Run delivers inbound messages to handler until ctx is cancelled or
	// the connection drops.
	Run(ctx context.Context, handler Handler) error
	// RenderImage formats an image URL as message text.
	RenderImage(url string) string
	Close() error
}
