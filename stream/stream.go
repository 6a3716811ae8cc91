// Package stream fans task changes out between server instances over Redis
// pub/sub.
package stream

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// DefaultChannel carries task events between instances.
const DefaultChannel = "board-updates"

// Publisher announces task events on a Redis channel. It satisfies
// storage.EventSink.
type Publisher struct {
	rc      *redis.Client
	channel string
}

// NewPublisher creates a publisher on channel.
func NewPublisher(rc *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{rc: rc, channel: channel}
}

// Publish sends ev as JSON.
func (p *Publisher) Publish(ctx context.Context, ev domain.TaskEvent) error {
	data, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rc.Publish(ctx, p.channel, data).Err()
}

// Subscribe delivers every task event published on channel to handle until
// ctx is done, resubscribing when the connection drops.
func Subscribe(ctx context.Context, rc *redis.Client, channel string, handle func(domain.TaskEvent)) {
	if channel == "" {
		channel = DefaultChannel
	}
	logger := log.WithField("channel", channel)
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var ev domain.TaskEvent
				if err := sonic.ConfigStd.UnmarshalFromString(msg.Payload, &ev); err != nil {
					logger.WithError(err).Error("unable to parse update")
					continue
				}
				handle(ev)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
