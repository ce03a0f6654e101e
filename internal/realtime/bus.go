package realtime

import (
	"context"
	"sync"
	"time"

	"loopline/go-backend/pkg/models"
)

// Event is the wire shape carried over a realtime topic. Message bodies cross
// the transport in sealed form; decryption happens at the receiving edge.
type Event struct {
	Kind     string                `json:"kind"`
	ThreadID string                `json:"thread_id"`
	UserID   string                `json:"user_id"`
	Message  *models.Message       `json:"message,omitempty"`
	Typing   *models.TypingEvent   `json:"typing,omitempty"`
	Presence *models.PresenceEvent `json:"presence,omitempty"`
	Read     *models.ReadEvent     `json:"read,omitempty"`
	SentAt   time.Time             `json:"sent_at"`
}

// Bus is the pub/sub transport under the gateway. Subscribe handlers must be
// fast and non-blocking; delivery order per topic is the publish order.
type Bus interface {
	Publish(ctx context.Context, topic string, ev Event) error
	Subscribe(topic string, fn func(Event)) (cancel func(), err error)
}

func threadTopic(threadID string) string {
	return "thread/" + threadID
}

func userTopic(userID string) string {
	return "user/" + userID
}

// MemoryBus is the in-process transport used by default and in tests. Events
// published to a topic nobody listens on yet are held in a mailbox and
// flushed to the first subscriber, so a peer that comes online late still
// sees what it missed.
type MemoryBus struct {
	mu      sync.Mutex
	nextID  int
	subs    map[string]map[int]func(Event)
	mailbox map[string][]Event
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:    make(map[string]map[int]func(Event)),
		mailbox: make(map[string][]Event),
	}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, ev Event) error {
	b.mu.Lock()
	handlers := make([]func(Event), 0, len(b.subs[topic]))
	for _, fn := range b.subs[topic] {
		handlers = append(handlers, fn)
	}
	if len(handlers) == 0 {
		b.mailbox[topic] = append(b.mailbox[topic], ev)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string, fn func(Event)) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]func(Event))
	}
	b.subs[topic][id] = fn
	pending := b.mailbox[topic]
	delete(b.mailbox, topic)
	b.mu.Unlock()

	for _, ev := range pending {
		fn(ev)
	}

	return func() {
		b.mu.Lock()
		if subs, ok := b.subs[topic]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subs, topic)
			}
		}
		b.mu.Unlock()
	}, nil
}
