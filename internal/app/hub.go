package app

import (
	"sync"
	"time"

	"loopline/go-backend/pkg/models"
)

// Notification methods fanned out to UI subscribers.
const (
	MethodNewMessage     = "dm.newMessage"
	MethodMessageRead    = "dm.messageRead"
	MethodTyping         = "dm.typing"
	MethodPresenceChange = "dm.presenceChange"
	MethodOutboxSynced   = "dm.outboxSynced"
)

type NotificationEvent struct {
	Seq       int64     `json:"seq"`
	Method    string    `json:"method"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationHub buffers a bounded history of UI notifications and fans them
// out without ever blocking a publisher. A subscriber that stops draining its
// channel is dropped, not waited on.
type NotificationHub struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []NotificationEvent
	subs    map[int]chan NotificationEvent
	nextSub int
}

func NewNotificationHub(limit int) *NotificationHub {
	if limit < 1 {
		limit = 1
	}
	return &NotificationHub{
		limit: limit,
		subs:  make(map[int]chan NotificationEvent),
	}
}

func (h *NotificationHub) Publish(method string, payload any) NotificationEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event := NotificationEvent{
		Seq:       h.nextSeq,
		Method:    method,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	h.history = append(h.history, event)
	if len(h.history) > h.limit {
		h.history = append([]NotificationEvent(nil), h.history[len(h.history)-h.limit:]...)
	}

	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}

	return event
}

// Typed wrappers for the DM event methods. Publishers go through these so
// every method name carries the payload shape the UI contract promises.

func (h *NotificationHub) PublishNewMessage(view models.MessageView) NotificationEvent {
	return h.Publish(MethodNewMessage, view)
}

func (h *NotificationHub) PublishMessageRead(read models.ReadEvent) NotificationEvent {
	return h.Publish(MethodMessageRead, read)
}

func (h *NotificationHub) PublishTyping(ev models.TypingEvent) NotificationEvent {
	return h.Publish(MethodTyping, ev)
}

func (h *NotificationHub) PublishPresenceChange(ev models.PresenceEvent) NotificationEvent {
	return h.Publish(MethodPresenceChange, ev)
}

func (h *NotificationHub) PublishOutboxSynced(report models.SyncReport) NotificationEvent {
	return h.Publish(MethodOutboxSynced, report)
}

// Subscribe replays history newer than fromSeq, then streams live events.
func (h *NotificationHub) Subscribe(fromSeq int64) ([]NotificationEvent, <-chan NotificationEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := make([]NotificationEvent, 0)
	for _, event := range h.history {
		if event.Seq > fromSeq {
			replay = append(replay, event)
		}
	}

	id := h.nextSub
	h.nextSub++
	ch := make(chan NotificationEvent, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
	return replay, ch, cancel
}

func (h *NotificationHub) BacklogSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}
