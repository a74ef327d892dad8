package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tubekeeper/internal/domain"
)

const (
	CheckCreated   = "check-created"
	CheckUpdated   = "check-updated"
	CheckCompleted = "check-completed"
	StateUpdate    = "state-update"
)

// Event is one fan-out message. Check events carry the record after the
// transition; state-update carries a snapshot.
type Event struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	TS       time.Time        `json:"ts"`
	Check    *domain.Check    `json:"check,omitempty"`
	Snapshot *domain.Snapshot `json:"snapshot,omitempty"`
}

// Bus is an in-process publish/subscribe fan-out. Publish never blocks: a
// live subscriber whose buffer is full misses the event. Consumers started
// with Consume queue without bound instead and are drained on Close.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]chan Event
	consumers map[uint64]*consumer
	nextID    uint64
	buffer    int
	closed    bool
	done      chan struct{}
	logger    *slog.Logger
	now       func() time.Time
}

func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 128
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:      make(map[uint64]chan Event),
		consumers: make(map[uint64]*consumer),
		buffer:    buffer,
		done:      make(chan struct{}),
		logger:    logger,
		now:       time.Now,
	}
}

func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.TS.IsZero() {
		evt.TS = b.now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"event", "bus_publish_drop",
				"module", "internal/events",
				"layer", "platform",
				"subscriber", id,
				"event_type", evt.Type,
			)
		}
	}
	for _, c := range b.consumers {
		if backlog := c.push(evt); backlog == b.buffer {
			b.logger.Warn("consumer falling behind",
				"event", "bus_consumer_backlog",
				"module", "internal/events",
				"layer", "platform",
				"consumer", c.name,
				"backlog", backlog,
			)
		}
	}
}

// Subscribe registers a buffered channel. The returned cancel func removes it
// and closes the channel. After Close the channel is returned already closed.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops delivery. Every subscriber channel is closed, so streams end,
// and consumers exit once their queue is drained.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	close(b.done)
}

// Consume runs handler for every event published after it returns, in
// order, until the bus is closed and drained or ctx is done. Handlers get a
// context that is not canceled with ctx so an in-progress write completes.
func (b *Bus) Consume(ctx context.Context, name string, handler func(context.Context, Event) error) <-chan struct{} {
	done := make(chan struct{})
	c := &consumer{name: name, wake: make(chan struct{}, 1)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(done)
		return done
	}
	id := b.nextID
	b.nextID++
	b.consumers[id] = c
	b.mu.Unlock()

	hctx := context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		defer func() {
			b.mu.Lock()
			delete(b.consumers, id)
			b.mu.Unlock()
		}()
		for {
			batch := c.take()
			for _, evt := range batch {
				if ctx.Err() != nil {
					return
				}
				if err := handler(hctx, evt); err != nil {
					b.logger.Error("consumer handler failed",
						"event", "bus_consume_failed",
						"module", "internal/events",
						"layer", "platform",
						"consumer", name,
						"event_id", evt.ID,
						"event_type", evt.Type,
						"error", err.Error(),
					)
				}
			}
			if len(batch) > 0 {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
			case <-b.done:
				if c.empty() {
					return
				}
			}
		}
	}()
	return done
}

type consumer struct {
	name  string
	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
}

func (c *consumer) push(evt Event) int {
	c.mu.Lock()
	c.queue = append(c.queue, evt)
	n := len(c.queue)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return n
}

func (c *consumer) take() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := c.queue
	c.queue = nil
	return batch
}

func (c *consumer) empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) == 0
}
