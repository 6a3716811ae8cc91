package domain

import (
	"errors"
	"fmt"
	"slices"
)

// ViewType selects how the board is rendered.
type ViewType string

const (
	ViewTable  ViewType = "table"
	ViewCards  ViewType = "cards"
	ViewKanban ViewType = "kanban"
)

// Valid reports whether v is a known view type.
func (v ViewType) Valid() bool {
	switch v {
	case ViewTable, ViewCards, ViewKanban:
		return true
	}
	return false
}

// DefaultLayoutID is reserved for the built-in layout.
const DefaultLayoutID = "default"

// Column describes one table column.
type Column struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Visible  bool   `json:"visible"`
	Width    *int   `json:"width,omitempty"`
	Sortable bool   `json:"sortable"`
}

// StageConfig describes how one pipeline stage is shown.
type StageConfig struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Visible bool   `json:"visible"`
	Color   string `json:"color"`
	Icon    string `json:"icon"`
}

// ViewConfiguration is a named, persisted bundle of layout settings.
type ViewConfiguration struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Columns     []Column      `json:"columns"`
	Stages      []StageConfig `json:"stages"`
	ViewType    ViewType      `json:"viewType"`
	GridColumns int           `json:"gridColumns"`
	IsDefault   bool          `json:"isDefault"`
}

// Clone returns a deep copy of c.
func (c ViewConfiguration) Clone() ViewConfiguration {
	out := c
	out.Columns = make([]Column, len(c.Columns))
	for i, col := range c.Columns {
		if col.Width != nil {
			w := *col.Width
			col.Width = &w
		}
		out.Columns[i] = col
	}
	out.Stages = slices.Clone(c.Stages)
	if out.Stages == nil {
		out.Stages = []StageConfig{}
	}
	return out
}

// VisibleColumns returns the visible columns in order.
func (c ViewConfiguration) VisibleColumns() []Column {
	out := make([]Column, 0, len(c.Columns))
	for _, col := range c.Columns {
		if col.Visible {
			out = append(out, col)
		}
	}
	return out
}

// Validate reports a layout that cannot be saved as given: an unknown view
// type, no columns, no stages or a non-positive grid width.
func (c ViewConfiguration) Validate() error {
	var errs []error
	if !c.ViewType.Valid() {
		errs = append(errs, fmt.Errorf("unknown viewType %q", c.ViewType))
	}
	if len(c.Columns) == 0 {
		errs = append(errs, errors.New("columns are required"))
	}
	if len(c.Stages) == 0 {
		errs = append(errs, errors.New("stages are required"))
	}
	if c.GridColumns <= 0 {
		errs = append(errs, errors.New("gridColumns must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

// Sanitize fills in values a stored layout may lack so it can be rendered.
// It repairs blobs read back from storage; layouts being saved go through
// Validate instead.
func (c ViewConfiguration) Sanitize() ViewConfiguration {
	if !c.ViewType.Valid() {
		c.ViewType = ViewTable
	}
	if c.GridColumns <= 0 {
		c.GridColumns = defaultGridColumns
	}
	if len(c.Columns) == 0 {
		c.Columns = defaultColumns()
	}
	if len(c.Stages) == 0 {
		c.Stages = defaultStages()
	}
	c.IsDefault = c.ID == DefaultLayoutID
	return c
}

const defaultGridColumns = 3

func intPtr(v int) *int { return &v }

func defaultColumns() []Column {
	return []Column{
		{ID: "id", Label: "#", Visible: true, Width: intPtr(60), Sortable: true},
		{ID: "title", Label: "Title", Visible: true, Width: intPtr(240), Sortable: true},
		{ID: "status", Label: "Status", Visible: true, Width: intPtr(140), Sortable: true},
		{ID: "assignee", Label: "Assignee", Visible: true, Width: intPtr(140), Sortable: true},
		{ID: "progress", Label: "Progress", Visible: true, Width: intPtr(120), Sortable: true},
		{ID: "dueDate", Label: "Due", Visible: true, Width: intPtr(120), Sortable: true},
		{ID: "projectId", Label: "Project", Visible: false, Sortable: true},
		{ID: "description", Label: "Description", Visible: false, Sortable: false},
	}
}

func defaultStages() []StageConfig {
	return []StageConfig{
		{ID: string(StageNewLead), Label: "New Lead", Visible: true, Color: "#3b82f6", Icon: "sparkles"},
		{ID: string(StageNeedAttention), Label: "Need Attention", Visible: true, Color: "#ef4444", Icon: "alert-triangle"},
		{ID: string(StageSentEstimate), Label: "Sent Estimate", Visible: true, Color: "#f59e0b", Icon: "send"},
		{ID: string(StageSigned), Label: "Signed", Visible: true, Color: "#10b981", Icon: "file-signature"},
		{ID: string(StageNeedOrdered), Label: "Need Ordered", Visible: true, Color: "#f97316", Icon: "shopping-cart"},
		{ID: string(StageOrdered), Label: "Ordered", Visible: true, Color: "#8b5cf6", Icon: "package"},
		{ID: string(StageNeedScheduled), Label: "Need Scheduled", Visible: true, Color: "#ec4899", Icon: "calendar-plus"},
		{ID: string(StageScheduled), Label: "Scheduled", Visible: true, Color: "#6366f1", Icon: "calendar-check"},
		{ID: string(StageInProgress), Label: "In Progress", Visible: true, Color: "#0ea5e9", Icon: "hammer"},
		{ID: string(StageCompleted), Label: "Completed", Visible: true, Color: "#22c55e", Icon: "check-circle"},
		{ID: string(StageFollowUp), Label: "Follow Up", Visible: true, Color: "#64748b", Icon: "phone"},
	}
}

// DefaultLayout returns a fresh copy of the built-in layout.
func DefaultLayout() ViewConfiguration {
	return ViewConfiguration{
		ID:          DefaultLayoutID,
		Name:        "Default",
		Columns:     defaultColumns(),
		Stages:      defaultStages(),
		ViewType:    ViewTable,
		GridColumns: defaultGridColumns,
		IsDefault:   true,
	}
}
