package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Kind names the daemon activities observers can watch.
type Kind string

const (
	KindCommandReceived  Kind = "command.received"
	KindRuleMatched      Kind = "rule.matched"
	KindApprovalNeeded   Kind = "approval.needed"
	KindApprovalResolved Kind = "approval.resolved"
)

// Event is an immutable record published for monitoring clients.
type Event struct {
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type subscriber struct {
	events  chan Event
	dropped uint64
}

// Bus fans events out to the currently subscribed channels. Publish never
// blocks: a subscriber that falls behind loses its oldest buffered event,
// and the drop is counted and logged rather than propagated to the
// publisher.
type Bus struct {
	bufferSize int
	logger     *slog.Logger

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

const DefaultBufferSize = 64

func New(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		bufferSize:  bufferSize,
		logger:      logger,
		subscribers: map[*subscriber]struct{}{},
	}
}

// Subscribe registers a new observer. The cancel function unregisters it and
// closes the channel; pending buffered events are discarded.
func (bus *Bus) Subscribe() (<-chan Event, func()) {
	entry := &subscriber{events: make(chan Event, bus.bufferSize)}
	bus.mu.Lock()
	bus.subscribers[entry] = struct{}{}
	bus.mu.Unlock()

	cancel := func() {
		bus.mu.Lock()
		if _, active := bus.subscribers[entry]; active {
			delete(bus.subscribers, entry)
			close(entry.events)
		}
		bus.mu.Unlock()
	}
	return entry.events, cancel
}

// Publish delivers the event to every subscriber without blocking. A full
// subscriber buffer drops its oldest event to make room.
func (bus *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	for entry := range bus.subscribers {
		select {
		case entry.events <- event:
			continue
		default:
		}
		select {
		case <-entry.events:
		default:
		}
		select {
		case entry.events <- event:
		default:
		}
		entry.dropped++
		bus.logger.Warn("slow event subscriber, dropped oldest event",
			"kind", event.Kind, "total_dropped", entry.dropped)
	}
}

// SubscriberCount reports the number of active subscribers.
func (bus *Bus) SubscriberCount() int {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return len(bus.subscribers)
}
