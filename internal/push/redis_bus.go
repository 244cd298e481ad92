package push

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
)

const DefaultRedisChannel = "khqr:payment-success"

// RedisBus fans events out to every gateway instance over Redis pub/sub.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

func NewRedisBus(client redis.UniversalClient, channel string, logger *slog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, channel: channel, logger: logger.With(slog.String("component", "redis-bus"))}
}

func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe opens the subscription and waits for Redis to confirm it, so
// nothing published after it returns is missed.
func (b *RedisBus) Subscribe(ctx context.Context) (*redis.PubSub, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	return ps, nil
}

// Consume hands every event arriving on ps to deliver until ctx is done.
func (b *RedisBus) Consume(ctx context.Context, ps *redis.PubSub, deliver func(Event) int) {
	defer ps.Close()
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				b.logger.Warn("dropping malformed bus message", slog.Any("err", err))
				continue
			}
			deliver(e)
		}
	}
}
