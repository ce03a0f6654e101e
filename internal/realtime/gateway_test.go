package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"loopline/go-backend/pkg/models"
)

type eventCollector struct {
	mu       sync.Mutex
	messages []models.Message
	typing   []models.TypingEvent
	presence []models.PresenceEvent
	reads    []models.ReadEvent
}

func (c *eventCollector) handlers() Handlers {
	return Handlers{
		OnNewMessage: func(m models.Message) {
			c.mu.Lock()
			c.messages = append(c.messages, m)
			c.mu.Unlock()
		},
		OnMessageRead: func(r models.ReadEvent) {
			c.mu.Lock()
			c.reads = append(c.reads, r)
			c.mu.Unlock()
		},
		OnTyping: func(ev models.TypingEvent) {
			c.mu.Lock()
			c.typing = append(c.typing, ev)
			c.mu.Unlock()
		},
		OnPresenceChange: func(ev models.PresenceEvent) {
			c.mu.Lock()
			c.presence = append(c.presence, ev)
			c.mu.Unlock()
		},
	}
}

func (c *eventCollector) typingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.typing)
}

func (c *eventCollector) presenceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.presence)
}

func (c *eventCollector) messageIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.messages))
	for _, m := range c.messages {
		out = append(out, m.ID)
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestThreadEventsReachPeerInOrder(t *testing.T) {
	bus := NewMemoryBus()
	alice := NewGateway(bus, nil)
	bob := NewGateway(bus, nil)
	defer alice.Close()
	defer bob.Close()

	got := &eventCollector{}
	if err := bob.SubscribeToThread("t1", "bob", got.handlers()); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for _, id := range []string{"m1", "m2", "m3"} {
		msg := models.Message{ID: id, ThreadID: "t1", SenderID: "alice"}
		if err := alice.BroadcastNewMessage(context.Background(), msg, "bob"); err != nil {
			t.Fatalf("broadcast failed: %v", err)
		}
	}

	eventually(t, "all messages", func() bool { return len(got.messageIDs()) == 3 })
	ids := got.messageIDs()
	if ids[0] != "m1" || ids[1] != "m2" || ids[2] != "m3" {
		t.Fatalf("messages delivered out of order: %v", ids)
	}
}

func TestSubscriptionReplacementTearsDownPrevious(t *testing.T) {
	bus := NewMemoryBus()
	gw := NewGateway(bus, nil)
	defer gw.Close()

	first := &eventCollector{}
	second := &eventCollector{}
	if err := gw.SubscribeToThread("t1", "bob", first.handlers()); err != nil {
		t.Fatalf("first subscribe failed: %v", err)
	}
	if err := gw.SubscribeToThread("t1", "bob", second.handlers()); err != nil {
		t.Fatalf("second subscribe failed: %v", err)
	}

	peer := NewGateway(bus, nil)
	defer peer.Close()
	if err := peer.SendTypingIndicator(context.Background(), "t1", "alice", true); err != nil {
		t.Fatalf("typing broadcast failed: %v", err)
	}

	eventually(t, "second subscription delivery", func() bool { return second.typingCount() == 1 })
	if first.typingCount() != 0 {
		t.Fatal("replaced subscription still receives events")
	}
}

func TestTypingAutoStopFiresAfterDelay(t *testing.T) {
	bus := NewMemoryBus()
	alice := NewGateway(bus, nil, WithTypingDelay(40*time.Millisecond))
	bob := NewGateway(bus, nil)
	defer alice.Close()
	defer bob.Close()

	got := &eventCollector{}
	if err := bob.SubscribeToThread("t1", "bob", got.handlers()); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := alice.SendTypingIndicator(context.Background(), "t1", "alice", true); err != nil {
		t.Fatalf("typing failed: %v", err)
	}

	eventually(t, "auto-stop broadcast", func() bool { return got.typingCount() == 2 })
	got.mu.Lock()
	defer got.mu.Unlock()
	if !got.typing[0].IsTyping || got.typing[1].IsTyping {
		t.Fatalf("expected start then auto-stop, got %+v", got.typing)
	}
}

func TestTypingTimerRestartsOnEveryKeystroke(t *testing.T) {
	bus := NewMemoryBus()
	alice := NewGateway(bus, nil, WithTypingDelay(60*time.Millisecond))
	bob := NewGateway(bus, nil)
	defer alice.Close()
	defer bob.Close()

	got := &eventCollector{}
	if err := bob.SubscribeToThread("t1", "bob", got.handlers()); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Three keystrokes inside the debounce window.
	for i := 0; i < 3; i++ {
		if err := alice.SendTypingIndicator(context.Background(), "t1", "alice", true); err != nil {
			t.Fatalf("typing failed: %v", err)
		}
		time.Sleep(15 * time.Millisecond)
	}

	eventually(t, "single auto-stop", func() bool {
		got.mu.Lock()
		defer got.mu.Unlock()
		stops := 0
		for _, ev := range got.typing {
			if !ev.IsTyping {
				stops++
			}
		}
		return stops == 1
	})

	// Only one pending timer existed, so exactly one stop arrives even
	// after another full window.
	time.Sleep(100 * time.Millisecond)
	got.mu.Lock()
	stops := 0
	for _, ev := range got.typing {
		if !ev.IsTyping {
			stops++
		}
	}
	got.mu.Unlock()
	if stops != 1 {
		t.Fatalf("expected exactly one auto-stop, got %d", stops)
	}
}

func TestPresenceChangeFiresOncePerTransition(t *testing.T) {
	bus := NewMemoryBus()
	alice := NewGateway(bus, nil)
	bob := NewGateway(bus, nil)
	defer alice.Close()
	defer bob.Close()

	got := &eventCollector{}
	if err := bob.SubscribeToThread("t1", "bob", got.handlers()); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	ctx := context.Background()
	if err := alice.UpdatePresence(ctx, "t1", "alice", models.PresenceOnline); err != nil {
		t.Fatalf("presence failed: %v", err)
	}
	eventually(t, "first presence change", func() bool { return got.presenceCount() == 1 })

	// Same status again: roster entry unchanged, no callback.
	if err := alice.UpdatePresence(ctx, "t1", "alice", models.PresenceOnline); err != nil {
		t.Fatalf("presence failed: %v", err)
	}
	if err := alice.UpdatePresence(ctx, "t1", "alice", models.PresenceAway); err != nil {
		t.Fatalf("presence failed: %v", err)
	}
	eventually(t, "second presence change", func() bool { return got.presenceCount() == 2 })

	got.mu.Lock()
	defer got.mu.Unlock()
	if got.presence[0].Status != models.PresenceOnline || got.presence[1].Status != models.PresenceAway {
		t.Fatalf("unexpected presence transitions: %+v", got.presence)
	}
}

type mapMembership map[string]string

func (m mapMembership) IsParticipant(threadID, userID string) bool {
	return m[threadID] == userID
}

func TestUserNotificationsValidateMembership(t *testing.T) {
	bus := NewMemoryBus()
	gw := NewGateway(bus, nil, WithMembership(mapMembership{"t1": "bob"}))
	defer gw.Close()

	var mu sync.Mutex
	var got []models.Message
	if err := gw.SubscribeToUserNotifications("bob", func(m models.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	sender := NewGateway(bus, nil)
	defer sender.Close()
	ctx := context.Background()
	if err := sender.BroadcastNewMessage(ctx, models.Message{ID: "ok", ThreadID: "t1", SenderID: "alice"}, "bob"); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	// bob is not a participant of t2; the alert must be discarded.
	if err := sender.BroadcastNewMessage(ctx, models.Message{ID: "drop", ThreadID: "t2", SenderID: "mallory"}, "bob"); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}

	eventually(t, "membership-validated alert", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].ID != "ok" {
		t.Fatalf("unexpected notifications: %+v", got)
	}
}

func TestUnsubscribeAndCloseAreIdempotent(t *testing.T) {
	bus := NewMemoryBus()
	gw := NewGateway(bus, nil)

	if err := gw.SubscribeToThread("t1", "bob", Handlers{}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	gw.UnsubscribeFromThread("t1")
	gw.UnsubscribeFromThread("t1")
	gw.UnsubscribeFromThread("never-subscribed")

	gw.Close()
	gw.Close()

	if err := gw.SubscribeToThread("t1", "bob", Handlers{}); err != ErrGatewayClosed {
		t.Fatalf("expected ErrGatewayClosed after Close, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"memory default", DefaultConfig(), false},
		{"redis without addr", Config{Transport: TransportRedis}, true},
		{"redis with addr", Config{Transport: TransportRedis, RedisAddr: "127.0.0.1:6379"}, false},
		{"waku valid bootstrap", Config{Transport: TransportWaku, BootstrapNodes: []string{"/ip4/127.0.0.1/tcp/60000"}}, false},
		{"waku bad bootstrap", Config{Transport: TransportWaku, BootstrapNodes: []string{"not-a-multiaddr"}}, true},
		{"unknown transport", Config{Transport: "carrier-pigeon"}, true},
	}
	for _, tc := range cases {
		if err := tc.cfg.Validate(); (err != nil) != tc.wantErr {
			t.Fatalf("%s: Validate() = %v, wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}
