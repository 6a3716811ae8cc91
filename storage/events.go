package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// EventSink receives confirmed task changes.
type EventSink interface {
	Publish(ctx context.Context, ev domain.TaskEvent) error
}

// EventPublisher wraps a Source and announces every successful mutation to
// its sinks. Sink failures are logged and never fail the mutation.
type EventPublisher struct {
	base  Source
	sinks []EventSink
	now   func() time.Time
}

// NewEventPublisher creates a publisher over base.
func NewEventPublisher(base Source, sinks ...EventSink) *EventPublisher {
	return &EventPublisher{base: base, sinks: sinks, now: time.Now}
}

func (p *EventPublisher) List(ctx context.Context, scope string) ([]domain.RawRecord, error) {
	return p.base.List(ctx, scope)
}

func (p *EventPublisher) Create(ctx context.Context, scope string, draft domain.TaskDraft) (domain.RawRecord, error) {
	rec, err := p.base.Create(ctx, scope, draft)
	if err != nil {
		return nil, err
	}
	if t, nerr := domain.NormalizeRecord(scope, rec); nerr == nil {
		p.publish(ctx, domain.TaskCreated, t.ID, t.BoardID, t)
	}
	return rec, nil
}

func (p *EventPublisher) Update(ctx context.Context, id int64, patch domain.TaskPatch) (domain.RawRecord, error) {
	rec, err := p.base.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	board := ""
	if t, nerr := domain.NormalizeRecord("", rec); nerr == nil {
		board = t.BoardID
	}
	p.publish(ctx, domain.TaskUpdated, id, board, patch)
	return rec, nil
}

func (p *EventPublisher) Delete(ctx context.Context, id int64) error {
	if err := p.base.Delete(ctx, id); err != nil {
		return err
	}
	p.publish(ctx, domain.TaskDeleted, id, "", nil)
	return nil
}

func (p *EventPublisher) publish(ctx context.Context, typ string, id int64, board string, data any) {
	ev := domain.TaskEvent{
		ID:         uuid.NewString(),
		EntityID:   id,
		EntityType: "task",
		Type:       typ,
		BoardID:    board,
		Timestamp:  p.now().UnixNano(),
	}
	if data != nil {
		raw, err := sonic.ConfigStd.Marshal(data)
		if err != nil {
			log.WithError(err).WithField("type", typ).Error("failed to encode event data")
			return
		}
		ev.Data = sonic.NoCopyRawMessage(raw)
	}
	for _, sink := range p.sinks {
		if err := sink.Publish(ctx, ev); err != nil {
			log.WithError(err).WithFields(log.Fields{"type": typ, "task": id, "event": ev.ID}).Error("failed to publish task event")
		}
	}
}

// queueClient is the subset of *azqueue.QueueClient used by QueueSink.
type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueueSink writes task events to an Azure storage queue.
type QueueSink struct {
	queue queueClient
}

// NewQueueSink connects to the events queue.
func NewQueueSink(connStr, queueName string) (*QueueSink, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &QueueSink{queue: q}, nil
}

// Publish enqueues ev as JSON.
func (s *QueueSink) Publish(ctx context.Context, ev domain.TaskEvent) error {
	data, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}
