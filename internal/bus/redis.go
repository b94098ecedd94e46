// Package bus fans broadcast lines out to sibling instances over Redis
// pub/sub. Membership state stays local to each instance; only the composed
// broadcast payloads cross the wire.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/veer-debug/chat-with-me/pkg/config"
)

type BusMessage struct {
	Origin  string `json:"origin"`
	Room    string `json:"room"`
	Payload []byte `json:"payload"`
}

type RedisBus struct {
	rdb     *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
}

// NewRedisBus connects to redis and verifies connectivity.
func NewRedisBus(ctx context.Context, cfg config.BusConfig, logger *slog.Logger) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisBus{
		rdb:     rdb,
		channel: cfg.Channel,
		origin:  uuid.NewString(),
		logger:  logger.With(slog.String("component", "redis_bus")),
	}, nil
}

// Publish sends one broadcast line to the shared channel.
func (b *RedisBus) Publish(ctx context.Context, room string, payload []byte) error {
	raw, err := json.Marshal(BusMessage{Origin: b.origin, Room: room, Payload: payload})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// Subscribe invokes fn for every message published by another instance.
// Redis echoes our own publishes back, so same-origin messages are dropped
// here rather than delivered twice.
func (b *RedisBus) Subscribe(ctx context.Context, fn func(room string, payload []byte)) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			_ = pubsub.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var bm BusMessage
			if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
				b.logger.Warn("Dropping malformed bus message", slog.Any("error", err))
				continue
			}
			if bm.Room == "" || bm.Origin == b.origin {
				continue
			}
			fn(bm.Room, bm.Payload)
		}
	}
}

// Close shuts down the redis connection.
func (b *RedisBus) Close() { _ = b.rdb.Close() }
