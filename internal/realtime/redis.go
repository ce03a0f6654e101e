package realtime

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"loopline/go-backend/pkg/models"
)

const redisChannelPrefix = "loopline:rt:"

// RedisBus carries realtime events over redis pub/sub so daemons on
// different hosts share one event plane. Redis preserves per-channel publish
// order, which is what the per-thread ordering guarantee needs.
type RedisBus struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisBus(rdb *redis.Client, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{rdb: rdb, log: log}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, redisChannelPrefix+topic, raw).Err(); err != nil {
		return models.Categorize(models.CategoryNetwork, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(topic string, fn func(Event)) (func(), error) {
	sub := b.rdb.Subscribe(context.Background(), redisChannelPrefix+topic)
	// Force the subscription handshake so a publish immediately after
	// Subscribe returns is not lost.
	if _, err := sub.Receive(context.Background()); err != nil {
		_ = sub.Close()
		return nil, models.Categorize(models.CategoryNetwork, err)
	}

	go func() {
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("realtime: dropping undecodable redis event", "topic", topic, "error", err)
				continue
			}
			fn(ev)
		}
	}()

	return func() { _ = sub.Close() }, nil
}
