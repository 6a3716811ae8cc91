package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"prism-board/domain"
)

type fakeMessages struct {
	mu      sync.Mutex
	pending []*azqueue.DequeuedMessage
	deleted []string
	err     error
}

func (f *fakeMessages) push(id, text string) {
	receipt := "r-" + id
	f.pending = append(f.pending, &azqueue.DequeuedMessage{MessageID: &id, PopReceipt: &receipt, MessageText: &text})
}

func (f *fakeMessages) Dequeue(context.Context) (*azqueue.DequeuedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.pending) == 0 {
		return nil, nil
	}
	msg := f.pending[0]
	f.pending = f.pending[1:]
	return msg, nil
}

func (f *fakeMessages) Delete(_ context.Context, id, receipt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if receipt != "r-"+id {
		return errors.New("bad receipt")
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func TestQueueRelayForwardsAndDeletes(t *testing.T) {
	q := &fakeMessages{}
	q.push("1", `{"id":"k1","entityId":7,"entityType":"task","type":"task-updated","boardId":"crm","timestamp":5}`)
	q.push("2", `not json`)
	sink := &recordingSink{}
	relay := newQueueRelay(q, sink)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		handled, err := relay.step(ctx)
		if err != nil || !handled {
			t.Fatalf("step %d: handled=%v err=%v", i, handled, err)
		}
	}
	if handled, err := relay.step(ctx); handled || err != nil {
		t.Fatalf("expected empty queue, got handled=%v err=%v", handled, err)
	}

	if len(sink.events) != 1 || sink.events[0].EntityID != 7 || sink.events[0].Type != domain.TaskUpdated {
		t.Fatalf("unexpected forwarded events %+v", sink.events)
	}
	if len(q.deleted) != 2 || q.deleted[0] != "1" || q.deleted[1] != "2" {
		t.Fatalf("expected both messages deleted, got %v", q.deleted)
	}
}

func TestQueueRelayKeepsMessageWhenPublishFails(t *testing.T) {
	q := &fakeMessages{}
	q.push("1", `{"id":"k1","entityId":7,"entityType":"task","type":"task-deleted","timestamp":5}`)
	sink := &recordingSink{err: errors.New("redis down")}
	relay := newQueueRelay(q, sink)

	handled, err := relay.step(context.Background())
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if len(q.deleted) != 0 {
		t.Fatalf("message must stay queued, deleted %v", q.deleted)
	}
}

func TestQueueRelayRunStopsOnCancel(t *testing.T) {
	q := &fakeMessages{err: errors.New("unavailable")}
	relay := newQueueRelay(q, &recordingSink{})
	relay.idle = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
