package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// messageQueue is the dequeue side of the events queue.
type messageQueue interface {
	Dequeue(ctx context.Context) (*azqueue.DequeuedMessage, error)
	Delete(ctx context.Context, id, receipt string) error
}

type azQueue struct {
	client *azqueue.QueueClient
}

func (q azQueue) Dequeue(ctx context.Context) (*azqueue.DequeuedMessage, error) {
	resp, err := q.client.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	return resp.Messages[0], nil
}

func (q azQueue) Delete(ctx context.Context, id, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, id, receipt, nil)
	return err
}

// QueueRelay drains task events from the events queue into a sink, so that
// writers without redis still reach every serving instance. A message is
// deleted only after the sink accepted it; a failed publish leaves it for
// redelivery once its visibility timeout expires.
type QueueRelay struct {
	queue messageQueue
	sink  EventSink
	idle  time.Duration
}

// NewQueueRelay connects to queueName and forwards its events to sink.
func NewQueueRelay(connStr, queueName string, sink EventSink) (*QueueRelay, error) {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, nil)
	if err != nil {
		return nil, err
	}
	return newQueueRelay(azQueue{client: q}, sink), nil
}

func newQueueRelay(queue messageQueue, sink EventSink) *QueueRelay {
	return &QueueRelay{queue: queue, sink: sink, idle: time.Second}
}

// Run forwards events until ctx is cancelled.
func (r *QueueRelay) Run(ctx context.Context) {
	for ctx.Err() == nil {
		handled, err := r.step(ctx)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("relay: receive failed")
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(r.idle):
		}
	}
}

// step forwards at most one message and reports whether one was received.
func (r *QueueRelay) step(ctx context.Context) (bool, error) {
	msg, err := r.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	if msg.MessageID == nil || msg.PopReceipt == nil {
		return true, errors.New("relay: message without id or receipt")
	}
	id, receipt := *msg.MessageID, *msg.PopReceipt

	var ev domain.TaskEvent
	text := ""
	if msg.MessageText != nil {
		text = *msg.MessageText
	}
	if err := sonic.ConfigStd.UnmarshalFromString(text, &ev); err != nil || ev.Type == "" {
		log.WithFields(log.Fields{"message": id}).Warn("relay: dropping unparsable event")
		return true, r.queue.Delete(ctx, id, receipt)
	}
	if err := r.sink.Publish(ctx, ev); err != nil {
		log.WithFields(log.Fields{"message": id, "type": ev.Type, "task": ev.EntityID}).
			WithError(err).Warn("relay: publish failed, leaving message for redelivery")
		return true, nil
	}
	return true, r.queue.Delete(ctx, id, receipt)
}
