package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/warband/internal/observability"
	"github.com/harun/warband/internal/tracing"
)

var (
	ErrClosed    = errors.New("command queue closed")
	ErrDuplicate = errors.New("duplicate request")
)

// Task is one unit of work executed on a lane.
type Task func(ctx context.Context) error

// Options configures a CommandQueue.
type Options struct {
	// DedupTTL is how long a request id is remembered. Zero disables dedup.
	DedupTTL time.Duration
	Logger   zerolog.Logger
}

type taskRecord struct {
	ctx        context.Context
	task       Task
	enqueuedAt time.Time
	result     chan error
}

type lane struct {
	queue []*taskRecord
}

// CommandQueue serializes tasks per lane.
type CommandQueue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	dedup  *dedupCache
	logger zerolog.Logger
}

// New creates a queue. Close must be called to release the dedup sweeper.
func New(opts Options) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	cq := &CommandQueue{
		lanes:  make(map[string]*lane),
		ctx:    ctx,
		cancel: cancel,
		logger: opts.Logger.With().Str("component", "commandqueue").Logger(),
	}
	if opts.DedupTTL > 0 {
		cq.dedup = newDedupCache(ctx, opts.DedupTTL)
	}
	return cq
}

// LaneKey is the lane for one identity on one channel.
func LaneKey(channel, identity string) string {
	return channel + ":" + identity
}

// laneLabel is the metrics label for a lane: its channel part.
func laneLabel(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// Do runs task on laneKey after every earlier task on that lane and waits
// for it to finish.
func (cq *CommandQueue) Do(ctx context.Context, laneKey string, task Task) error {
	return cq.DoOnce(ctx, laneKey, "", task)
}

// DoOnce is Do with idempotency: a non-empty requestID seen within the
// dedup window returns ErrDuplicate without running task.
func (cq *CommandQueue) DoOnce(ctx context.Context, laneKey, requestID string, task Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	if requestID != "" && cq.dedup != nil && !cq.dedup.Claim(requestID) {
		cq.logger.Debug().Str("lane", laneKey).Str("request_id", requestID).Msg("Duplicate request dropped")
		return ErrDuplicate
	}

	record := &taskRecord{
		ctx:        ctx,
		task:       task,
		enqueuedAt: time.Now(),
		result:     make(chan error, 1),
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return ErrClosed
	}
	l, exists := cq.lanes[laneKey]
	if !exists {
		l = &lane{}
		cq.lanes[laneKey] = l
	}
	l.queue = append(l.queue, record)
	depth := len(l.queue)
	if !exists {
		cq.wg.Add(1)
		go cq.drain(laneKey, l)
	}
	cq.mu.Unlock()

	observability.RecordQueueEnqueue(laneLabel(laneKey), depth)
	if depth > 1 {
		cq.logger.Debug().Str("lane", laneKey).Int("queue_size", depth).Msg("Task queued behind earlier work")
	}

	select {
	case err := <-record.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain runs the lane's tasks until it is empty, then removes the lane.
func (cq *CommandQueue) drain(key string, l *lane) {
	defer cq.wg.Done()
	for {
		cq.mu.Lock()
		if len(l.queue) == 0 {
			delete(cq.lanes, key)
			cq.mu.Unlock()
			return
		}
		record := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		depth := len(l.queue)
		cq.mu.Unlock()

		wait := time.Since(record.enqueuedAt)
		err := cq.run(key, record)
		record.result <- err
		observability.RecordQueueCompletion(laneLabel(key), wait, err == nil, depth)
	}
}

func (cq *CommandQueue) run(key string, record *taskRecord) (err error) {
	if err := record.ctx.Err(); err != nil {
		return err
	}

	ctx, span := tracing.StartSpan(record.ctx, "warband.commandqueue", "commandqueue.run",
		attribute.String("lane", key),
	)
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			cq.logger.Error().Str("lane", key).Interface("panic", r).Msg("Task panicked")
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	start := time.Now()
	err = record.task(runCtx)
	cq.logger.Debug().Str("lane", key).Dur("duration", time.Since(start)).Err(err).Msg("Task finished")
	return err
}

// Lanes returns the number of lanes with queued or running work.
func (cq *CommandQueue) Lanes() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.lanes)
}

// Pending returns how many tasks wait on laneKey, excluding the running one.
func (cq *CommandQueue) Pending(laneKey string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if l, ok := cq.lanes[laneKey]; ok {
		return len(l.queue)
	}
	return 0
}

// Close rejects new work and waits for queued tasks to drain. When ctx
// expires first, running tasks are cancelled.
func (cq *CommandQueue) Close(ctx context.Context) error {
	cq.mu.Lock()
	cq.closed = true
	cq.mu.Unlock()

	done := make(chan struct{})
	go func() {
		cq.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	cq.cancel()
	return err
}
