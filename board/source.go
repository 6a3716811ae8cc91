// Package board owns the live task collection of one session and publishes
// derived snapshots to subscribers.
package board

import (
	"context"
	"fmt"

	"prism-board/domain"
)

// TaskSource is the remote collaborator holding the tasks. Errors wrap
// domain.ErrNotFound or domain.ErrTransient.
type TaskSource interface {
	List(ctx context.Context, scopeID string) ([]domain.RawRecord, error)
	Create(ctx context.Context, scopeID string, draft domain.TaskDraft) (domain.RawRecord, error)
	Update(ctx context.Context, id int64, patch domain.TaskPatch) (domain.RawRecord, error)
	Delete(ctx context.Context, id int64) error
}

// State is the lifecycle state of a controller.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	}
	return "unknown"
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateError; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown board state %q", text)
}

// Snapshot is an immutable copy of the controller state.
type Snapshot struct {
	Version uint64                     `json:"version"`
	State   State                      `json:"state"`
	Error   string                     `json:"error,omitempty"`
	Tasks   []domain.Task              `json:"tasks"`
	View    []domain.Task              `json:"view"`
	Groups  []domain.Group             `json:"groups,omitempty"`
	Stats   domain.TaskStats           `json:"stats"`
	Filters domain.FilterState         `json:"filters"`
	Sort    domain.SortState           `json:"sort"`
	GroupBy domain.GroupBy             `json:"groupBy"`
	Layout  domain.ViewConfiguration   `json:"layout"`
	Saved   []domain.ViewConfiguration `json:"savedLayouts"`
}
