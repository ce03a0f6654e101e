//go:build real_waku

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
)

const wakuPubsubTopic = "/waku/2/default-waku/proto"

// wakuBus carries realtime events over waku relay. Each gateway topic maps
// to its own content topic so relay-side filtering keeps unrelated threads
// off the wire.
type wakuBus struct {
	mu   sync.Mutex
	node *wakuNode.WakuNode
	log  *slog.Logger
}

func newWakuBus(cfg Config, log *slog.Logger) (Bus, func(), error) {
	if log == nil {
		log = slog.Default()
	}
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, nil, err
	}
	node, err := wakuNode.New(
		wakuNode.WithHostAddress(hostAddr),
		wakuNode.WithWakuRelay(),
	)
	if err != nil {
		return nil, nil, err
	}
	ctx := context.Background()
	if err := node.Start(ctx); err != nil {
		return nil, nil, err
	}
	for _, addr := range cfg.BootstrapNodes {
		if err := node.DialPeer(ctx, strings.TrimSpace(addr)); err != nil {
			log.Warn("realtime: bootstrap dial failed", "error", err)
		}
	}

	b := &wakuBus{node: node, log: log}
	return b, b.close, nil
}

func (b *wakuBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.node != nil {
		b.node.Stop()
		b.node = nil
	}
}

func (b *wakuBus) Publish(ctx context.Context, topic string, ev Event) error {
	b.mu.Lock()
	node := b.node
	b.mu.Unlock()
	if node == nil {
		return errors.New("waku node is stopped")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: contentTopic(topic),
		Timestamp:    &ts,
	}
	_, err = node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(wakuPubsubTopic))
	return err
}

func (b *wakuBus) Subscribe(topic string, fn func(Event)) (func(), error) {
	b.mu.Lock()
	node := b.node
	b.mu.Unlock()
	if node == nil {
		return nil, errors.New("waku node is stopped")
	}
	filter := protocol.NewContentFilter(wakuPubsubTopic, contentTopic(topic))
	subs, err := node.Relay().Subscribe(context.Background(), filter)
	if err != nil {
		return nil, err
	}

	for _, sub := range subs {
		go func(subscription *relay.Subscription) {
			for env := range subscription.Ch {
				if env == nil || env.Message() == nil {
					continue
				}
				var ev Event
				if err := json.Unmarshal(env.Message().Payload, &ev); err != nil {
					continue
				}
				fn(ev)
			}
		}(sub)
	}

	return func() {
		if err := node.Relay().Unsubscribe(context.Background(), filter); err != nil {
			b.log.Warn("realtime: waku unsubscribe failed", "error", err)
		}
	}, nil
}

func contentTopic(topic string) string {
	return "/loopline/1/" + strings.ReplaceAll(topic, "/", "-") + "/json"
}
