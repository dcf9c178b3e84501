package notify

import (
	"context"

	"convopilot-server/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus publishes and subscribes message events over a Redis pub/sub
// channel, fanning notifications out across server instances.
type RedisBus struct {
	client  *redis.Client
	channel string
}

func NewRedisBus(addr, channel string) *RedisBus {
	return &RedisBus{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
	}
}

func (b *RedisBus) Publish(ctx context.Context, event *Event) error {
	data, err := event.Encode()
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan *Event, func(), error) {
	sub := b.client.Subscribe(ctx, b.channel)
	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan *Event, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			event, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				logger.Warn("Dropping undecodable notification", zap.Error(err))
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		if err := sub.Close(); err != nil {
			logger.Warn("Failed to close redis subscription", zap.Error(err))
		}
	}
	return out, cancel, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
