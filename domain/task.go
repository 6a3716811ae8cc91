package domain

import (
	"strings"
	"time"
)

// Stage is a pipeline status a task can occupy.
type Stage string

const (
	StageNewLead       Stage = "new-lead"
	StageNeedAttention Stage = "need-attention"
	StageSentEstimate  Stage = "sent-estimate"
	StageSigned        Stage = "signed"
	StageNeedOrdered   Stage = "need-ordered"
	StageOrdered       Stage = "ordered"
	StageNeedScheduled Stage = "need-scheduled"
	StageScheduled     Stage = "scheduled"
	StageInProgress    Stage = "in-progress"
	StageCompleted     Stage = "completed"
	StageFollowUp      Stage = "follow-up"
	StageUnspecified   Stage = "unspecified"
)

// Stages lists the pipeline in board order. StageUnspecified is not part of
// the pipeline and always sorts after it.
var Stages = []Stage{
	StageNewLead,
	StageNeedAttention,
	StageSentEstimate,
	StageSigned,
	StageNeedOrdered,
	StageOrdered,
	StageNeedScheduled,
	StageScheduled,
	StageInProgress,
	StageCompleted,
	StageFollowUp,
}

var stageRank = func() map[Stage]int {
	m := make(map[Stage]int, len(Stages)+1)
	for i, s := range Stages {
		m[s] = i
	}
	m[StageUnspecified] = len(Stages)
	return m
}()

// stageAliases maps status spellings used by other board types.
var stageAliases = map[string]Stage{
	"new":        StageNewLead,
	"lead":       StageNewLead,
	"todo":       StageNewLead,
	"attention":  StageNeedAttention,
	"estimate":   StageSentEstimate,
	"in-review":  StageSentEstimate,
	"review":     StageSentEstimate,
	"doing":      StageInProgress,
	"active":     StageInProgress,
	"started":    StageInProgress,
	"done":       StageCompleted,
	"complete":   StageCompleted,
	"closed":     StageCompleted,
	"followup":   StageFollowUp,
	"need-order": StageNeedOrdered,
}

// Rank returns the position of s in the pipeline. Unknown stages rank with
// StageUnspecified.
func (s Stage) Rank() int {
	if r, ok := stageRank[s]; ok {
		return r
	}
	return len(Stages)
}

// Valid reports whether s is a pipeline stage or StageUnspecified.
func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok
}

// ParseStage matches raw case-insensitively, treating '_' and spaces as '-'.
// Unknown values resolve to StageUnspecified.
func ParseStage(raw string) Stage {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("_", "-", " ", "-").Replace(key)
	if key == "" {
		return StageUnspecified
	}
	if s := Stage(key); s.Valid() {
		return s
	}
	if s, ok := stageAliases[key]; ok {
		return s
	}
	return StageUnspecified
}

// Unassigned is the bucket for tasks without an assignee.
const Unassigned = "Unassigned"

// Task is the canonical board item produced by Normalize.
type Task struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Stage      `json:"status"`
	Assignee    string     `json:"assignee,omitempty"`
	Progress    int        `json:"progress"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	ProjectID   string     `json:"projectId,omitempty"`
	BoardID     string     `json:"boardId,omitempty"`
}

// AssigneeKey returns the bucket key used when grouping by assignee.
func (t Task) AssigneeKey() string {
	if t.Assignee == "" {
		return Unassigned
	}
	return t.Assignee
}

// Overdue reports whether the task is past due and not completed.
func (t Task) Overdue(now time.Time) bool {
	return t.DueDate != nil && t.DueDate.Before(now) && t.Status != StageCompleted
}

// ClampProgress bounds p to [0,100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// TaskDraft carries the fields for a new task.
type TaskDraft struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Stage      `json:"status,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	Progress    int        `json:"progress,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	ProjectID   string     `json:"projectId,omitempty"`
}

// TaskPatch carries partial updates for a task. Nil fields are left unchanged.
// ClearDueDate removes the due date and takes precedence over DueDate.
type TaskPatch struct {
	Title        *string    `json:"title,omitempty"`
	Description  *string    `json:"description,omitempty"`
	Status       *Stage     `json:"status,omitempty"`
	Assignee     *string    `json:"assignee,omitempty"`
	Progress     *int       `json:"progress,omitempty"`
	DueDate      *time.Time `json:"dueDate,omitempty"`
	ClearDueDate bool       `json:"clearDueDate,omitempty"`
	ProjectID    *string    `json:"projectId,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil && p.Assignee == nil &&
		p.Progress == nil && p.DueDate == nil && !p.ClearDueDate && p.ProjectID == nil
}

// Apply returns t with the patch merged in.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = ParseStage(string(*p.Status))
	}
	if p.Assignee != nil {
		t.Assignee = *p.Assignee
	}
	if p.Progress != nil {
		t.Progress = ClampProgress(*p.Progress)
	}
	if p.ClearDueDate {
		t.DueDate = nil
	} else if p.DueDate != nil {
		d := *p.DueDate
		t.DueDate = &d
	}
	if p.ProjectID != nil {
		t.ProjectID = *p.ProjectID
	}
	return t
}

// Task converts the draft into a task with the given id and board.
func (d TaskDraft) Task(id int64, boardID string) Task {
	t := Task{
		ID:          id,
		Title:       d.Title,
		Description: d.Description,
		Status:      ParseStage(string(d.Status)),
		Assignee:    d.Assignee,
		Progress:    ClampProgress(d.Progress),
		ProjectID:   d.ProjectID,
		BoardID:     boardID,
	}
	if d.Status == "" {
		t.Status = StageNewLead
	}
	if d.DueDate != nil {
		due := *d.DueDate
		t.DueDate = &due
	}
	return t
}

// RawRecord is a task-like record as returned by a task source. Its shape
// varies by board type.
type RawRecord map[string]any

// RawBatch groups the raw records listed from one board.
type RawBatch struct {
	BoardID string
	Records []RawRecord
}
