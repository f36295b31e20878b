package channels

import (
	"context"
	"time"
)

// InboundMessage is the normalized ingress payload from any channel.
type InboundMessage struct {
	Channel    string
	Identity   string
	Text       string
	SenderName string
	// MessageID is the transport's message id, unique within the identity's
	// chat. Empty when the transport has none.
	MessageID  string
	ReceivedAt time.Time
}

// DispatchFunc routes an inbound channel message into the message pipeline.
type DispatchFunc func(ctx context.Context, msg InboundMessage) error

// Sender delivers text to an identity on one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, identity, text string) error
	// Typing shows a short-lived "typing" indicator to identity.
	Typing(ctx context.Context, identity string) error
	// MaxMessageLength is the channel's limit in characters.
	MaxMessageLength() int
}

// Channel is a transport with an ingress loop (telegram, whatsapp, ...).
type Channel interface {
	Sender
	Start(ctx context.Context, dispatch DispatchFunc) error
	Stop(ctx context.Context) error
}
