package chat

import (
	"sync"

	"github.com/rs/zerolog"
)

// EventType names a change published to session subscribers.
type EventType string

const (
	EventMessage       EventType = "message"
	EventStages        EventType = "stages"
	EventStagesCleared EventType = "stages_cleared"
	EventRunStarted    EventType = "run_started"
	EventRunFinished   EventType = "run_finished"
	EventRunFailed     EventType = "run_failed"
)

// Event is a single change to a session's visible state.
type Event struct {
	Type    EventType
	RunID   string
	Message *Message
	Stages  []Stage
	Err     error
}

// Publisher receives every change made by the message store, the step tracker
// and the driver.
type Publisher interface {
	Publish(Event)
}

// Broadcaster fans events out to subscribers. Publish never blocks; a
// subscriber that falls behind its buffer loses events.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
	logger zerolog.Logger
}

func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[int]chan Event),
		logger: logger,
	}
}

// Subscribe registers a new subscriber. The returned function unsubscribes and
// closes the channel; calling it more than once is safe.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn().Int("subscriber", id).Str("event", string(e.Type)).Msg("subscriber buffer full, event dropped")
		}
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broadcaster) Close() {
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
}

func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
