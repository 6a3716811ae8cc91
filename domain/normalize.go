package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Field aliases accepted from the different board types. Lookup is
// case-insensitive.
var (
	idKeys          = []string{"id", "taskId", "rowKey"}
	titleKeys       = []string{"title", "name", "summary"}
	descriptionKeys = []string{"description", "notes", "details"}
	statusKeys      = []string{"status", "stage", "state", "category"}
	assigneeKeys    = []string{"assignee", "assignedTo", "owner"}
	progressKeys    = []string{"progress", "percentComplete", "percent"}
	dueDateKeys     = []string{"dueDate", "due_date", "deadline", "due"}
	projectKeys     = []string{"projectId", "project_id", "project"}
	boardKeys       = []string{"boardId", "board_id", "board", "partitionKey"}
)

// Normalize maps raw records from one or more boards into canonical tasks.
// Records without a usable id or title, and records repeating an id already
// emitted, are dropped and reported; the rest of the batch is kept.
func Normalize(batches ...RawBatch) ([]Task, []ValidationError) {
	size := 0
	for _, b := range batches {
		size += len(b.Records)
	}
	tasks := make([]Task, 0, size)
	var rejects []ValidationError
	seen := make(map[int64]struct{}, size)
	for _, b := range batches {
		for i, rec := range b.Records {
			t, reason := normalizeRecord(b.BoardID, rec)
			if reason == "" {
				if _, dup := seen[t.ID]; dup {
					reason = "duplicate id " + strconv.FormatInt(t.ID, 10)
				}
			}
			if reason != "" {
				verr := ValidationError{BoardID: b.BoardID, Index: i, Reason: reason}
				log.WithFields(log.Fields{"board": b.BoardID, "index": i, "reason": reason}).Warn("dropping task record")
				rejects = append(rejects, verr)
				continue
			}
			seen[t.ID] = struct{}{}
			tasks = append(tasks, t)
		}
	}
	return tasks, rejects
}

// NormalizeRecord maps a single raw record, as returned by a create or update
// call, into a task.
func NormalizeRecord(boardID string, rec RawRecord) (Task, error) {
	t, reason := normalizeRecord(boardID, rec)
	if reason != "" {
		return Task{}, ValidationError{BoardID: boardID, Reason: reason}
	}
	return t, nil
}

func normalizeRecord(boardID string, rec RawRecord) (Task, string) {
	if rec == nil {
		return Task{}, "empty record"
	}
	fields := foldKeys(rec)

	id, ok := intField(fields, idKeys...)
	if !ok {
		return Task{}, "missing id"
	}
	title := strings.TrimSpace(stringField(fields, titleKeys...))
	if title == "" {
		return Task{}, "missing title"
	}

	t := Task{
		ID:          id,
		Title:       title,
		Description: stringField(fields, descriptionKeys...),
		Status:      ParseStage(stringField(fields, statusKeys...)),
		Assignee:    strings.TrimSpace(stringField(fields, assigneeKeys...)),
		ProjectID:   stringField(fields, projectKeys...),
		BoardID:     stringField(fields, boardKeys...),
	}
	if t.BoardID == "" {
		t.BoardID = boardID
	}
	if p, ok := progressField(fields, progressKeys...); ok {
		t.Progress = ClampProgress(p)
	}
	if due, ok := timeField(fields, dueDateKeys...); ok {
		t.DueDate = &due
	}
	// A record flagged done by a board without stages counts as completed.
	if t.Status == StageUnspecified {
		if done, ok := fields["done"].(bool); ok && done {
			t.Status = StageCompleted
		}
	}
	return t, ""
}

func foldKeys(rec RawRecord) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		if v == nil {
			continue
		}
		out[strings.ToLower(k)] = v
	}
	return out
}

func lookup(fields map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := fields[strings.ToLower(k)]; ok {
			return v, true
		}
	}
	return nil, false
}

func stringField(fields map[string]any, keys ...string) string {
	v, ok := lookup(fields, keys...)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	}
	return ""
}

func intField(fields map[string]any, keys ...string) (int64, bool) {
	v, ok := lookup(fields, keys...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}

func progressField(fields map[string]any, keys ...string) (int, bool) {
	v, ok := lookup(fields, keys...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return roundPercent(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return roundPercent(f)
	case string:
		s := strings.TrimSuffix(strings.TrimSpace(n), "%")
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		return roundPercent(f)
	}
	return 0, false
}

// roundPercent rounds f to an int already bounded to [0,100].
func roundPercent(f float64) (int, bool) {
	if math.IsNaN(f) {
		return 0, false
	}
	return int(math.Round(math.Max(0, math.Min(f, 100)))), true
}

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func timeField(fields map[string]any, keys ...string) (time.Time, bool) {
	v, ok := lookup(fields, keys...)
	if !ok {
		return time.Time{}, false
	}
	switch d := v.(type) {
	case time.Time:
		if d.IsZero() {
			return time.Time{}, false
		}
		return d.UTC(), true
	case string:
		s := strings.TrimSpace(d)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	case float64:
		// epoch milliseconds
		return time.UnixMilli(int64(d)).UTC(), true
	case int64:
		return time.UnixMilli(d).UTC(), true
	}
	return time.Time{}, false
}
