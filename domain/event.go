package domain

import "github.com/bytedance/sonic"

const (
	TaskCreated = "task-created"
	TaskUpdated = "task-updated"
	TaskDeleted = "task-deleted"
)

// TaskEvent announces a confirmed change to a board task.
type TaskEvent struct {
	// ID carries the idempotency key of the change.
	ID         string                 `json:"id"`
	EntityID   int64                  `json:"entityId"`
	EntityType string                 `json:"entityType"`
	Type       string                 `json:"type"`
	BoardID    string                 `json:"boardId,omitempty"`
	Data       sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp  int64                  `json:"timestamp"`
}
