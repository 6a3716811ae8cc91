package domain

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Filter dimensions understood by ApplyView.
const (
	FilterStatus   = "status"
	FilterAssignee = "assignee"
	FilterProject  = "projectId"
	FilterBoard    = "boardId"
	FilterSearch   = "search"
	FilterOverdue  = "overdue"
)

// FilterState maps a filter dimension to its accepted values. A task passes
// when every non-empty dimension accepts it; within a dimension any value
// may match. Unknown dimensions are ignored.
type FilterState map[string][]string

// Clone returns a deep copy of f.
func (f FilterState) Clone() FilterState {
	if f == nil {
		return FilterState{}
	}
	out := make(FilterState, len(f))
	for k, v := range f {
		if len(v) == 0 {
			continue
		}
		out[k] = slices.Clone(v)
	}
	return out
}

// SortOrder is the direction of a sort.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Sort keys understood by ApplyView.
const (
	SortByID          = "id"
	SortByTitle       = "title"
	SortByDescription = "description"
	SortByStatus      = "status"
	SortByAssignee    = "assignee"
	SortByProgress    = "progress"
	SortByDueDate     = "dueDate"
	SortByProject     = "projectId"
	SortByBoard       = "boardId"
)

// SortState selects the sort field and direction.
type SortState struct {
	SortBy    string    `json:"sortBy" yaml:"sortBy"`
	SortOrder SortOrder `json:"sortOrder" yaml:"sortOrder"`
}

// DefaultSort orders tasks along the pipeline.
func DefaultSort() SortState {
	return SortState{SortBy: SortByStatus, SortOrder: SortAsc}
}

type fieldCompare func(a, b Task) int

var sortFields = map[string]fieldCompare{
	SortByID:          func(a, b Task) int { return cmp.Compare(a.ID, b.ID) },
	SortByTitle:       func(a, b Task) int { return strings.Compare(a.Title, b.Title) },
	SortByDescription: func(a, b Task) int { return strings.Compare(a.Description, b.Description) },
	SortByStatus:      func(a, b Task) int { return cmp.Compare(a.Status.Rank(), b.Status.Rank()) },
	SortByAssignee:    func(a, b Task) int { return strings.Compare(a.Assignee, b.Assignee) },
	SortByProgress:    func(a, b Task) int { return cmp.Compare(a.Progress, b.Progress) },
	SortByDueDate:     compareDueDate,
	SortByProject:     func(a, b Task) int { return strings.Compare(a.ProjectID, b.ProjectID) },
	SortByBoard:       func(a, b Task) int { return strings.Compare(a.BoardID, b.BoardID) },
}

// SortKeyKnown reports whether key is a sortable task field.
func SortKeyKnown(key string) bool {
	_, ok := sortFields[key]
	return ok
}

// compareDueDate treats a missing due date as later than any date.
func compareDueDate(a, b Task) int {
	switch {
	case a.DueDate == nil && b.DueDate == nil:
		return 0
	case a.DueDate == nil:
		return 1
	case b.DueDate == nil:
		return -1
	}
	return a.DueDate.Compare(*b.DueDate)
}

// ApplyView filters tasks and returns them in sort order. The input slice is
// not modified. Ties on the sort field are broken by ascending id whatever the
// direction, so the result is a total order; unknown sort keys sort by id.
func ApplyView(tasks []Task, filters FilterState, sort SortState, now time.Time) []Task {
	match := compileFilters(filters, now)
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if match(t) {
			out = append(out, t)
		}
	}

	field, ok := sortFields[sort.SortBy]
	desc := sort.SortOrder == SortDesc
	if !ok {
		field, desc = sortFields[SortByID], false
	}
	slices.SortStableFunc(out, func(a, b Task) int {
		c := field(a, b)
		if desc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func compileFilters(filters FilterState, now time.Time) func(Task) bool {
	var preds []func(Task) bool
	if vals := filters[FilterStatus]; len(vals) > 0 {
		set := make(map[Stage]struct{}, len(vals))
		for _, v := range vals {
			set[ParseStage(v)] = struct{}{}
		}
		preds = append(preds, func(t Task) bool {
			_, ok := set[t.Status]
			return ok
		})
	}
	if vals := filters[FilterAssignee]; len(vals) > 0 {
		set := valueSet(vals)
		preds = append(preds, func(t Task) bool {
			_, ok := set[t.AssigneeKey()]
			return ok
		})
	}
	if vals := filters[FilterProject]; len(vals) > 0 {
		set := valueSet(vals)
		preds = append(preds, func(t Task) bool {
			_, ok := set[t.ProjectID]
			return ok
		})
	}
	if vals := filters[FilterBoard]; len(vals) > 0 {
		set := valueSet(vals)
		preds = append(preds, func(t Task) bool {
			_, ok := set[t.BoardID]
			return ok
		})
	}
	if vals := filters[FilterOverdue]; len(vals) > 0 {
		want := make(map[bool]struct{}, 2)
		for _, v := range vals {
			if b, err := strconv.ParseBool(v); err == nil {
				want[b] = struct{}{}
			}
		}
		if len(want) > 0 {
			preds = append(preds, func(t Task) bool {
				_, ok := want[t.Overdue(now)]
				return ok
			})
		}
	}
	if vals := filters[FilterSearch]; len(vals) > 0 {
		terms := make([]string, 0, len(vals))
		for _, v := range vals {
			if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
				terms = append(terms, v)
			}
		}
		if len(terms) > 0 {
			preds = append(preds, func(t Task) bool {
				title := strings.ToLower(t.Title)
				desc := strings.ToLower(t.Description)
				for _, term := range terms {
					if strings.Contains(title, term) || strings.Contains(desc, term) {
						return true
					}
				}
				return false
			})
		}
	}
	return func(t Task) bool {
		for _, p := range preds {
			if !p(t) {
				return false
			}
		}
		return true
	}
}

func valueSet(vals []string) map[string]struct{} {
	set := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		set[v] = struct{}{}
	}
	return set
}

// GroupBy selects how the view is bucketed for board and card layouts.
type GroupBy string

const (
	GroupNone     GroupBy = ""
	GroupStatus   GroupBy = "status"
	GroupAssignee GroupBy = "assignee"
)

// ParseGroupBy accepts "", "none", "status" or "assignee".
func ParseGroupBy(raw string) (GroupBy, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return GroupNone, true
	case "status", "stage":
		return GroupStatus, true
	case "assignee":
		return GroupAssignee, true
	}
	return GroupNone, false
}

// Group is one bucket of the view.
type Group struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Color string `json:"color,omitempty"`
	Icon  string `json:"icon,omitempty"`
	Tasks []Task `json:"tasks"`
}

// GroupView buckets an already sorted view. Status groups follow the stage
// order of stages and include only visible stages (empty columns included);
// tasks in stages the layout does not list land in a trailing unspecified
// group. Assignee groups appear in first-seen order.
func GroupView(view []Task, by GroupBy, stages []StageConfig) []Group {
	switch by {
	case GroupStatus:
		return groupByStatus(view, stages)
	case GroupAssignee:
		var groups []Group
		index := make(map[string]int)
		for _, t := range view {
			key := t.AssigneeKey()
			i, ok := index[key]
			if !ok {
				i = len(groups)
				index[key] = i
				groups = append(groups, Group{Key: key, Label: key})
			}
			groups[i].Tasks = append(groups[i].Tasks, t)
		}
		return groups
	}
	return nil
}

func groupByStatus(view []Task, stages []StageConfig) []Group {
	groups := make([]Group, 0, len(stages)+1)
	index := make(map[Stage]int, len(stages))
	listed := make(map[Stage]struct{}, len(stages))
	for _, s := range stages {
		st := ParseStage(s.ID)
		listed[st] = struct{}{}
		if !s.Visible {
			continue
		}
		if _, dup := index[st]; dup {
			continue
		}
		index[st] = len(groups)
		groups = append(groups, Group{Key: string(st), Label: s.Label, Color: s.Color, Icon: s.Icon, Tasks: []Task{}})
	}
	var orphans []Task
	for _, t := range view {
		if i, ok := index[t.Status]; ok {
			groups[i].Tasks = append(groups[i].Tasks, t)
			continue
		}
		if _, ok := listed[t.Status]; !ok {
			orphans = append(orphans, t)
		}
	}
	if len(orphans) > 0 {
		groups = append(groups, Group{Key: string(StageUnspecified), Label: "Unspecified", Tasks: orphans})
	}
	return groups
}
