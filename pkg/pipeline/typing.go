package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTypingInterval is how often the indicator is re-issued. Most
// channels expire it after about five seconds.
const DefaultTypingInterval = 4 * time.Second

// Typer shows a typing indicator to one identity.
type Typer interface {
	Typing(ctx context.Context, identity string) error
}

// TypingIndicator keeps a typing indicator alive until Stop is called.
type TypingIndicator struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// StartTyping issues the indicator immediately and then every interval.
// Callers should defer Stop right after starting.
func StartTyping(ctx context.Context, typer Typer, identity string, interval time.Duration, logger zerolog.Logger) *TypingIndicator {
	if interval <= 0 {
		interval = DefaultTypingInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	ti := &TypingIndicator{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(ti.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := typer.Typing(ctx, identity); err != nil && ctx.Err() == nil {
				logger.Debug().Err(err).Msg("Typing indicator failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ti
}

// Stop ends the indicator and waits for the refresh goroutine. It is safe
// to call more than once.
func (t *TypingIndicator) Stop() {
	t.once.Do(t.cancel)
	<-t.done
}
