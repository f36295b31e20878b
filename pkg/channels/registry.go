package channels

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harun/warband/internal/observability"
	"golang.org/x/time/rate"
)

// Ellipsis marks truncated outbound text.
const Ellipsis = "…"

// RegistryOptions tune outbound delivery.
type RegistryOptions struct {
	// SendsPerSecond limits outbound sends per channel. Zero disables limiting.
	SendsPerSecond float64
	Burst          int
}

// Registry stores registered channels, dispatches inbound messages and
// delivers outbound text within each channel's limits.
type Registry struct {
	dispatch DispatchFunc
	opts     RegistryOptions

	mu       sync.RWMutex
	channels map[string]Channel
	limiters map[string]*rate.Limiter
	started  map[string]bool
}

// NewRegistry constructs a channel registry.
func NewRegistry(dispatch DispatchFunc, opts RegistryOptions) *Registry {
	observability.EnsureRegistered()
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Registry{
		dispatch: dispatch,
		opts:     opts,
		channels: make(map[string]Channel),
		limiters: make(map[string]*rate.Limiter),
		started:  make(map[string]bool),
	}
}

// SetDispatch replaces the inbound handler. It must be called before StartAll.
func (r *Registry) SetDispatch(dispatch DispatchFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatch = dispatch
}

// Register adds a channel to the registry.
func (r *Registry) Register(ch Channel) error {
	if ch == nil {
		return fmt.Errorf("channel is required")
	}

	name := strings.TrimSpace(ch.Name())
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}

	r.channels[name] = ch
	if r.opts.SendsPerSecond > 0 {
		r.limiters[name] = rate.NewLimiter(rate.Limit(r.opts.SendsPerSecond), r.opts.Burst)
	}
	return nil
}

// IsRegistered returns true when channel exists in the registry.
func (r *Registry) IsRegistered(name string) bool {
	_, ok := r.get(name)
	return ok
}

func (r *Registry) get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[strings.TrimSpace(name)]
	return ch, ok
}

// Names returns sorted registered channel names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch forwards an inbound message to the pipeline.
func (r *Registry) Dispatch(ctx context.Context, msg InboundMessage) error {
	r.mu.RLock()
	dispatch := r.dispatch
	r.mu.RUnlock()
	if dispatch == nil {
		return fmt.Errorf("dispatch function is not configured")
	}

	msg.Channel = strings.TrimSpace(msg.Channel)
	if msg.Channel == "" {
		return fmt.Errorf("channel is required")
	}
	if !r.IsRegistered(msg.Channel) {
		return fmt.Errorf("channel %q is not registered", msg.Channel)
	}

	return dispatch(ctx, msg)
}

// Send truncates text to the channel limit, waits for the channel's rate
// limiter and delivers it.
func (r *Registry) Send(ctx context.Context, channel, identity, text string) error {
	ch, ok := r.get(channel)
	if !ok {
		return fmt.Errorf("channel %q is not registered", channel)
	}

	r.mu.RLock()
	limiter := r.limiters[ch.Name()]
	r.mu.RUnlock()
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			observability.RecordChannelSend(ch.Name(), false)
			return fmt.Errorf("send to %s: %w", ch.Name(), err)
		}
	}

	err := ch.Send(ctx, identity, Truncate(text, ch.MaxMessageLength()))
	observability.RecordChannelSend(ch.Name(), err == nil)
	if err != nil {
		return fmt.Errorf("send to %s: %w", ch.Name(), err)
	}
	return nil
}

// Typing shows a typing indicator on channel.
func (r *Registry) Typing(ctx context.Context, channel, identity string) error {
	ch, ok := r.get(channel)
	if !ok {
		return fmt.Errorf("channel %q is not registered", channel)
	}
	return ch.Typing(ctx, identity)
}

// Truncate cuts text to at most limit characters, ending with Ellipsis when
// anything was cut. A non-positive limit disables truncation.
func Truncate(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	ell := []rune(Ellipsis)
	if limit <= len(ell) {
		return string(runes[:limit])
	}
	return string(runes[:limit-len(ell)]) + Ellipsis
}

// StartAll starts all registered channels.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, name := range r.Names() {
		if err := r.Start(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops all registered channels.
func (r *Registry) StopAll(ctx context.Context) error {
	var firstErr error
	names := r.Names()
	for i := len(names) - 1; i >= 0; i-- {
		if err := r.Stop(ctx, names[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Start starts a registered channel by name.
func (r *Registry) Start(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("channel %q is not registered", name)
	}
	if r.started[name] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := ch.Start(ctx, r.Dispatch); err != nil {
		return fmt.Errorf("failed to start channel %q: %w", name, err)
	}

	r.mu.Lock()
	r.started[name] = true
	r.mu.Unlock()

	return nil
}

// Stop stops a registered channel by name.
func (r *Registry) Stop(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("channel %q is not registered", name)
	}
	if !r.started[name] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := ch.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop channel %q: %w", name, err)
	}

	r.mu.Lock()
	delete(r.started, name)
	r.mu.Unlock()

	return nil
}
