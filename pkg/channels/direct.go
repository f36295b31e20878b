package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Delivery is one message captured by a DirectChannel.
type Delivery struct {
	Identity string
	Text     string
}

// DirectChannel keeps outbound messages in memory instead of sending them.
// The daemon registers one as "console" for local runs, and tests use it as
// a recording transport.
type DirectChannel struct {
	name  string
	limit int

	mu      sync.Mutex
	sent    []Delivery
	typing  int
	onSend  func(Delivery)
	started bool
}

// NewDirectChannel creates a direct channel by name with a message limit.
func NewDirectChannel(name string, limit int) *DirectChannel {
	return &DirectChannel{name: strings.TrimSpace(name), limit: limit}
}

// OnSend registers a callback invoked for every delivery.
func (c *DirectChannel) OnSend(fn func(Delivery)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSend = fn
}

// Name returns channel name.
func (c *DirectChannel) Name() string {
	return c.name
}

// MaxMessageLength returns the configured limit.
func (c *DirectChannel) MaxMessageLength() int {
	return c.limit
}

// Send records the delivery.
func (c *DirectChannel) Send(_ context.Context, identity, text string) error {
	if strings.TrimSpace(identity) == "" {
		return fmt.Errorf("identity is required")
	}
	d := Delivery{Identity: identity, Text: text}

	c.mu.Lock()
	c.sent = append(c.sent, d)
	fn := c.onSend
	c.mu.Unlock()

	if fn != nil {
		fn(d)
	}
	return nil
}

// Typing counts typing indicators.
func (c *DirectChannel) Typing(_ context.Context, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing++
	return nil
}

// Sent returns a copy of all deliveries so far.
func (c *DirectChannel) Sent() []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Delivery(nil), c.sent...)
}

// TypingCount returns how many typing indicators were shown.
func (c *DirectChannel) TypingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// Start validates dispatcher availability.
func (c *DirectChannel) Start(_ context.Context, dispatch DispatchFunc) error {
	if c.name == "" {
		return fmt.Errorf("channel name is required")
	}
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

// Stop is a no-op for direct channels.
func (c *DirectChannel) Stop(_ context.Context) error {
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
	return nil
}
