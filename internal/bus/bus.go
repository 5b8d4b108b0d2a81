// Package bus is the in-process event fan-out between channel providers,
// the lifecycle state machine, the webhook service, and the live feed.
package bus

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// Event is one channel lifecycle event for a request.
type Event struct {
	RequestID string
	Channel   string // "sms" | "voice"
	Type      string // e.g. "sms:sent", "voice:ringing"
	Payload   map[string]any
	CreatedAt int64 // ms epoch, stamped by Publish when zero
}

// Handler is invoked synchronously on the worker goroutine that owns the
// event's request id. The state machine registers here so its projection is
// persisted before the next event for the same request is processed.
type Handler func(ctx context.Context, ev Event)

const (
	// defaultWorkers is the size of the worker pool. Events hash by request
	// id onto a worker, which gives per-request ordering without a global
	// serialization point.
	defaultWorkers = 8

	// workerQueueLen bounds each worker's inbox.
	workerQueueLen = 256

	// subscriberQueueLen bounds each async subscriber channel. On overflow
	// the oldest event is dropped.
	subscriberQueueLen = 64
)

// Bus fans events out to one synchronous handler chain and any number of
// best-effort subscribers. Per request id, delivery order matches emission
// order for every consumer.
type Bus struct {
	logger *slog.Logger

	workers []chan Event
	wg      sync.WaitGroup

	mu          sync.RWMutex
	handlers    []Handler
	subscribers []chan Event
	closed      bool
}

// New creates a bus with the default worker pool size.
func New(logger *slog.Logger) *Bus {
	return NewWithWorkers(logger, defaultWorkers)
}

// NewWithWorkers creates a bus with n workers. Used by tests to force all
// requests onto one worker.
func NewWithWorkers(logger *slog.Logger, n int) *Bus {
	if n < 1 {
		n = 1
	}
	b := &Bus{
		logger:  logger.With("subsystem", "bus"),
		workers: make([]chan Event, n),
	}
	for i := range b.workers {
		b.workers[i] = make(chan Event, workerQueueLen)
		b.wg.Add(1)
		go b.run(b.workers[i])
	}
	return b
}

// Handle registers a synchronous handler. Handlers run in registration
// order on the owning worker; a panic in one handler is recovered so a bad
// event cannot poison the bus.
func (b *Bus) Handle(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Subscribe returns a best-effort event channel and an unsubscribe func.
// The caller owns draining the channel; slow consumers lose oldest events
// rather than blocking the bus. Unsubscribe stops delivery and is
// idempotent; the channel is closed by Close, not by unsubscribe, so the
// workers never race a send against a close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberQueueLen)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subscribers = append(b.subscribers, ch)
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subscribers {
			if sub == ch {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				return
			}
		}
	}
}

// SubscriberCount returns the number of registered async subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish routes the event to the worker that owns its request id. It
// blocks only if that worker's queue is full. The lock is held across the
// send so a concurrent Close cannot close the worker channel mid-publish.
func (b *Bus) Publish(ev Event) {
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().UnixMilli()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.Warn("publish on closed bus dropped", "request_id", ev.RequestID, "type", ev.Type)
		return
	}
	b.workers[b.workerFor(ev.RequestID)] <- ev
}

// Close stops the workers after draining queued events and closes all
// subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	for _, w := range b.workers {
		close(w)
	}
	b.wg.Wait()

	b.mu.Lock()
	for _, sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = nil
	b.mu.Unlock()
}

func (b *Bus) workerFor(requestID string) int {
	h := fnv.New32a()
	h.Write([]byte(requestID))
	return int(h.Sum32() % uint32(len(b.workers)))
}

func (b *Bus) run(inbox chan Event) {
	defer b.wg.Done()
	ctx := context.Background()

	for ev := range inbox {
		b.mu.RLock()
		handlers := b.handlers
		subscribers := b.subscribers
		b.mu.RUnlock()

		for _, h := range handlers {
			b.invoke(ctx, h, ev)
		}

		for _, sub := range subscribers {
			select {
			case sub <- ev:
			default:
				// Drop the oldest event to make room; the live feed and
				// other async consumers are best-effort.
				select {
				case <-sub:
				default:
				}
				select {
				case sub <- ev:
				default:
				}
				b.logger.Warn("subscriber queue overflow, dropped oldest",
					"request_id", ev.RequestID, "type", ev.Type)
			}
		}
	}
}

// invoke runs a handler with panic isolation.
func (b *Bus) invoke(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"request_id", ev.RequestID, "type", ev.Type, "panic", r)
		}
	}()
	h(ctx, ev)
}
