package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"loopline/go-backend/internal/platform/privacylog"
	"loopline/go-backend/internal/platform/ratelimiter"
	"loopline/go-backend/pkg/models"
)

const (
	// TypingStopDelay is how long after the last keystroke a "stopped
	// typing" broadcast auto-fires.
	TypingStopDelay = 3 * time.Second

	// eventQueueDepth bounds the per-subscription dispatch queue. A handler
	// that cannot keep up loses events rather than stalling the transport.
	eventQueueDepth = 256
)

var ErrGatewayClosed = errors.New("realtime gateway is closed")

// Handlers receive decoded events for one thread subscription. They run on a
// single dispatch goroutine per subscription, in publish order, and must not
// block.
type Handlers struct {
	OnNewMessage     func(models.Message)
	OnMessageRead    func(models.ReadEvent)
	OnTyping         func(models.TypingEvent)
	OnPresenceChange func(models.PresenceEvent)
}

// Membership validates that a user belongs to a thread before a user-scoped
// notification is delivered.
type Membership interface {
	IsParticipant(threadID, userID string) bool
}

// Gateway owns the per-thread channel registry: at most one live
// subscription per thread, explicit teardown, presence roster, and the
// typing debounce timers. One Gateway instance lives per session; Close is
// tied to logout.
type Gateway struct {
	bus        Bus
	log        *slog.Logger
	metrics    *Metrics
	limiter    *ratelimiter.MapLimiter
	membership Membership

	typingDelay time.Duration

	mu           sync.Mutex
	closed       bool
	threadSubs   map[string]*subscription
	userSubs     map[string]*subscription
	typingTimers map[string]*time.Timer
	presence     map[string]map[string]models.PresenceState
}

type subscription struct {
	topic  string
	userID string
	cancel func()
	queue  chan Event
	done   chan struct{}

	qmu      sync.RWMutex
	qclosed  bool
	stopOnce sync.Once
}

// enqueue hands an event to the dispatch goroutine without ever blocking the
// transport. Returns false when the queue is saturated or already torn down.
func (s *subscription) enqueue(ev Event) bool {
	s.qmu.RLock()
	defer s.qmu.RUnlock()
	if s.qclosed {
		return false
	}
	select {
	case s.queue <- ev:
		return true
	default:
		return false
	}
}

// stop tears the subscription down exactly once: cancel the bus feed, close
// the dispatch queue, and wait for queued events to drain. It never waits on
// in-flight network publishes.
func (s *subscription) stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.qmu.Lock()
		s.qclosed = true
		s.qmu.Unlock()
		close(s.queue)
		<-s.done
	})
}

type Option func(*Gateway)

// WithMembership installs the thread-membership validator used by
// user-scoped notification channels.
func WithMembership(m Membership) Option {
	return func(g *Gateway) { g.membership = m }
}

// WithTypingDelay overrides the typing auto-stop delay. Tests use this to
// avoid waiting out the production debounce.
func WithTypingDelay(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.typingDelay = d
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithEventRateLimit bounds typing/presence broadcasts per (thread, user)
// key. Excess events are suppressed, not queued.
func WithEventRateLimit(rps float64, burst int) Option {
	return func(g *Gateway) {
		g.limiter = ratelimiter.New(rps, burst, 10*time.Minute)
	}
}

func NewGateway(bus Bus, log *slog.Logger, opts ...Option) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{
		bus:          bus,
		log:          log,
		typingDelay:  TypingStopDelay,
		threadSubs:   make(map[string]*subscription),
		userSubs:     make(map[string]*subscription),
		typingTimers: make(map[string]*time.Timer),
		presence:     make(map[string]map[string]models.PresenceState),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SubscribeToThread opens the live channel for threadID keyed by userID's
// presence identity. A second call for the same thread tears the previous
// channel down exactly once before the new one is established.
func (g *Gateway) SubscribeToThread(threadID, userID string, h Handlers) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGatewayClosed
	}
	prev := g.threadSubs[threadID]
	delete(g.threadSubs, threadID)
	g.mu.Unlock()

	if prev != nil {
		prev.stop()
	}

	sub := &subscription{
		topic:  threadTopic(threadID),
		userID: userID,
		queue:  make(chan Event, eventQueueDepth),
		done:   make(chan struct{}),
	}
	cancel, err := g.bus.Subscribe(sub.topic, func(ev Event) {
		if !sub.enqueue(ev) {
			g.countDropped("queue_full")
			g.log.Warn("realtime: dropping event for saturated subscription",
				privacylog.SanitizeArgs("thread_id", threadID, "kind", ev.Kind)...)
		}
	})
	if err != nil {
		return err
	}
	sub.cancel = cancel

	go g.dispatchLoop(threadID, sub, h)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		sub.stop()
		return ErrGatewayClosed
	}
	// A concurrent SubscribeToThread may have raced us; the newest
	// subscription wins and the loser is torn down.
	displaced := g.threadSubs[threadID]
	g.threadSubs[threadID] = sub
	g.updateSubGaugeLocked()
	g.mu.Unlock()
	if displaced != nil {
		displaced.stop()
	}
	return nil
}

// SubscribeToUserNotifications opens a user-scoped channel for cross-thread
// new-message alerts. Events for threads the user is not a participant of
// are discarded.
func (g *Gateway) SubscribeToUserNotifications(userID string, onNewMessage func(models.Message)) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGatewayClosed
	}
	prev := g.userSubs[userID]
	delete(g.userSubs, userID)
	g.mu.Unlock()

	if prev != nil {
		prev.stop()
	}

	sub := &subscription{
		topic:  userTopic(userID),
		userID: userID,
		queue:  make(chan Event, eventQueueDepth),
		done:   make(chan struct{}),
	}
	cancel, err := g.bus.Subscribe(sub.topic, func(ev Event) {
		if !sub.enqueue(ev) {
			g.countDropped("queue_full")
		}
	})
	if err != nil {
		return err
	}
	sub.cancel = cancel

	go func() {
		defer close(sub.done)
		for ev := range sub.queue {
			if ev.Kind != models.EventNewMessage || ev.Message == nil {
				continue
			}
			if g.membership != nil && !g.membership.IsParticipant(ev.ThreadID, userID) {
				g.countDropped("not_participant")
				continue
			}
			onNewMessage(*ev.Message)
		}
	}()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		sub.stop()
		return ErrGatewayClosed
	}
	displaced := g.userSubs[userID]
	g.userSubs[userID] = sub
	g.updateSubGaugeLocked()
	g.mu.Unlock()
	if displaced != nil {
		displaced.stop()
	}
	return nil
}

func (g *Gateway) dispatchLoop(threadID string, sub *subscription, h Handlers) {
	defer close(sub.done)
	for ev := range sub.queue {
		switch ev.Kind {
		case models.EventNewMessage:
			if ev.Message != nil && h.OnNewMessage != nil {
				h.OnNewMessage(*ev.Message)
			}
		case models.EventMessageRead:
			if ev.Read != nil && h.OnMessageRead != nil {
				h.OnMessageRead(*ev.Read)
			}
		case models.EventTyping:
			if ev.Typing != nil && h.OnTyping != nil && ev.Typing.UserID != sub.userID {
				h.OnTyping(*ev.Typing)
			}
		case models.EventPresenceSync:
			if ev.Presence != nil {
				g.applyPresence(threadID, sub.userID, *ev.Presence, h.OnPresenceChange)
			}
		default:
			g.log.Debug("realtime: ignoring unknown event kind", "kind", ev.Kind)
		}
	}
}

// applyPresence recomputes the roster entry for the event's user and fires
// OnPresenceChange only when that peer's visible state actually changed.
func (g *Gateway) applyPresence(threadID, selfID string, ev models.PresenceEvent, onChange func(models.PresenceEvent)) {
	if ev.UserID == selfID {
		return
	}
	g.mu.Lock()
	roster := g.presence[threadID]
	if roster == nil {
		roster = make(map[string]models.PresenceState)
		g.presence[threadID] = roster
	}
	prev, known := roster[ev.UserID]
	next := models.PresenceState{UserID: ev.UserID, Status: ev.Status, LastSeen: ev.LastSeen}
	roster[ev.UserID] = next
	g.mu.Unlock()

	if known && prev.Status == next.Status {
		return
	}
	if onChange != nil {
		onChange(ev)
	}
}

// Roster returns the current presence snapshot for a thread.
func (g *Gateway) Roster(threadID string) []models.PresenceState {
	g.mu.Lock()
	defer g.mu.Unlock()
	roster := g.presence[threadID]
	out := make([]models.PresenceState, 0, len(roster))
	for _, state := range roster {
		out = append(out, state)
	}
	return out
}

// SendTypingIndicator broadcasts an ephemeral typing event and arms the
// single-shot auto-stop timer for the thread. Every keystroke restarts the
// timer; the last writer wins and at most one timer is pending per thread.
func (g *Gateway) SendTypingIndicator(ctx context.Context, threadID, userID string, isTyping bool) error {
	if g.limiter != nil && !g.limiter.Allow(threadID+"|"+userID, time.Now()) {
		g.countDropped("rate_limited")
		return nil
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGatewayClosed
	}
	if timer, ok := g.typingTimers[threadID]; ok {
		timer.Stop()
		delete(g.typingTimers, threadID)
	}
	if isTyping {
		g.typingTimers[threadID] = time.AfterFunc(g.typingDelay, func() {
			g.mu.Lock()
			delete(g.typingTimers, threadID)
			closed := g.closed
			g.mu.Unlock()
			if closed {
				return
			}
			_ = g.publishTyping(context.Background(), threadID, userID, false)
		})
	}
	g.mu.Unlock()

	return g.publishTyping(ctx, threadID, userID, isTyping)
}

func (g *Gateway) publishTyping(ctx context.Context, threadID, userID string, isTyping bool) error {
	ev := Event{
		Kind:     models.EventTyping,
		ThreadID: threadID,
		UserID:   userID,
		Typing:   &models.TypingEvent{ThreadID: threadID, UserID: userID, IsTyping: isTyping},
		SentAt:   time.Now().UTC(),
	}
	if err := g.bus.Publish(ctx, threadTopic(threadID), ev); err != nil {
		return err
	}
	g.countPublished(models.EventTyping)
	return nil
}

// UpdatePresence broadcasts the sender's presence record for a thread.
func (g *Gateway) UpdatePresence(ctx context.Context, threadID, userID string, status models.PresenceStatus) error {
	if g.limiter != nil && !g.limiter.Allow(threadID+"|"+userID, time.Now()) {
		g.countDropped("rate_limited")
		return nil
	}
	ev := Event{
		Kind:     models.EventPresenceSync,
		ThreadID: threadID,
		UserID:   userID,
		Presence: &models.PresenceEvent{ThreadID: threadID, UserID: userID, Status: status, LastSeen: time.Now().UTC()},
		SentAt:   time.Now().UTC(),
	}
	if err := g.bus.Publish(ctx, threadTopic(threadID), ev); err != nil {
		return err
	}
	g.countPublished(models.EventPresenceSync)
	return nil
}

// BroadcastNewMessage fans a persisted message out to the thread channel and
// the recipient's user-scoped notification channel. The body stays sealed in
// transit; receivers decrypt at their edge.
func (g *Gateway) BroadcastNewMessage(ctx context.Context, msg models.Message, recipientID string) error {
	ev := Event{
		Kind:     models.EventNewMessage,
		ThreadID: msg.ThreadID,
		UserID:   msg.SenderID,
		Message:  &msg,
		SentAt:   time.Now().UTC(),
	}
	if err := g.bus.Publish(ctx, threadTopic(msg.ThreadID), ev); err != nil {
		return err
	}
	g.countPublished(models.EventNewMessage)
	if recipientID != "" {
		if err := g.bus.Publish(ctx, userTopic(recipientID), ev); err != nil {
			return err
		}
	}
	return nil
}

// BroadcastRead publishes isRead false-to-true transitions for a thread.
func (g *Gateway) BroadcastRead(ctx context.Context, read models.ReadEvent) error {
	ev := Event{
		Kind:     models.EventMessageRead,
		ThreadID: read.ThreadID,
		UserID:   read.ReaderID,
		Read:     &read,
		SentAt:   time.Now().UTC(),
	}
	if err := g.bus.Publish(ctx, threadTopic(read.ThreadID), ev); err != nil {
		return err
	}
	g.countPublished(models.EventMessageRead)
	return nil
}

// UnsubscribeFromThread releases the thread's channel, timer and presence
// state. Safe to call repeatedly.
func (g *Gateway) UnsubscribeFromThread(threadID string) {
	g.mu.Lock()
	sub := g.threadSubs[threadID]
	delete(g.threadSubs, threadID)
	if timer, ok := g.typingTimers[threadID]; ok {
		timer.Stop()
		delete(g.typingTimers, threadID)
	}
	delete(g.presence, threadID)
	g.updateSubGaugeLocked()
	g.mu.Unlock()

	if sub != nil {
		sub.stop()
	}
}

// Close releases every channel and clears all presence state. Used on
// logout; idempotent.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	subs := make([]*subscription, 0, len(g.threadSubs)+len(g.userSubs))
	for _, sub := range g.threadSubs {
		subs = append(subs, sub)
	}
	for _, sub := range g.userSubs {
		subs = append(subs, sub)
	}
	g.threadSubs = make(map[string]*subscription)
	g.userSubs = make(map[string]*subscription)
	for _, timer := range g.typingTimers {
		timer.Stop()
	}
	g.typingTimers = make(map[string]*time.Timer)
	g.presence = make(map[string]map[string]models.PresenceState)
	g.updateSubGaugeLocked()
	g.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (g *Gateway) updateSubGaugeLocked() {
	if g.metrics != nil {
		g.metrics.ActiveSubscriptions.Set(float64(len(g.threadSubs) + len(g.userSubs)))
	}
}

func (g *Gateway) countPublished(kind string) {
	if g.metrics != nil {
		g.metrics.EventsPublished.WithLabelValues(kind).Inc()
	}
}

func (g *Gateway) countDropped(reason string) {
	if g.metrics != nil {
		g.metrics.EventsDropped.WithLabelValues(reason).Inc()
	}
}
