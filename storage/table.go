package storage

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"prism-board/domain"
)

// tableClient is the subset of *aztables.Client used by TableSource.
type tableClient interface {
	NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey string, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
}

// TableSource stores tasks in an Azure table, one partition per board.
type TableSource struct {
	table        tableClient
	defaultBoard string
}

// NewTableSource connects to the tasks table. Tasks created without a board
// land in defaultBoard.
func NewTableSource(connStr, tasksTable, defaultBoard string) (*TableSource, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return newTableSource(svc.NewClient(tasksTable), defaultBoard), nil
}

func newTableSource(table tableClient, defaultBoard string) *TableSource {
	if defaultBoard == "" {
		defaultBoard = "default"
	}
	return &TableSource{table: table, defaultBoard: defaultBoard}
}

type taskEntity struct {
	aztables.Entity
	Title           string `json:"Title"`
	Notes           string `json:"Notes"`
	Category        string `json:"Category"`
	Assignee        string `json:"Assignee"`
	PercentComplete int    `json:"PercentComplete"`
	DueDate         string `json:"DueDate,omitempty"`
	ProjectID       string `json:"ProjectId,omitempty"`
}

func (e taskEntity) record() domain.RawRecord {
	rec := domain.RawRecord{
		"PartitionKey":    e.PartitionKey,
		"RowKey":          e.RowKey,
		"Title":           e.Title,
		"Notes":           e.Notes,
		"Category":        e.Category,
		"Assignee":        e.Assignee,
		"PercentComplete": e.PercentComplete,
	}
	if e.DueDate != "" {
		rec["DueDate"] = e.DueDate
	}
	if e.ProjectID != "" {
		rec["ProjectId"] = e.ProjectID
	}
	return rec
}

// quote renders s as an OData string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// List returns the raw entities of one board, or of every board when scope
// is empty.
func (s *TableSource) List(ctx context.Context, scope string) ([]domain.RawRecord, error) {
	var opts aztables.ListEntitiesOptions
	if scope != "" {
		filter := "PartitionKey eq " + quote(scope)
		opts.Filter = &filter
	}
	return s.list(ctx, &opts)
}

func (s *TableSource) list(ctx context.Context, opts *aztables.ListEntitiesOptions) ([]domain.RawRecord, error) {
	pager := s.table.NewListEntitiesPager(opts)
	records := []domain.RawRecord{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify("list tasks", err)
		}
		for _, e := range resp.Entities {
			rec, err := decodeRecord(e)
			if err != nil {
				return nil, domain.Transient("decode task entity", err)
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

// Create inserts a new entity with a fresh row key.
func (s *TableSource) Create(ctx context.Context, scope string, draft domain.TaskDraft) (domain.RawRecord, error) {
	if scope == "" {
		scope = s.defaultBoard
	}
	task := draft.Task(nextID(), scope)
	ent := taskEntity{
		Entity:          aztables.Entity{PartitionKey: scope, RowKey: strconv.FormatInt(task.ID, 10)},
		Title:           task.Title,
		Notes:           task.Description,
		Category:        string(task.Status),
		Assignee:        task.Assignee,
		PercentComplete: task.Progress,
		DueDate:         formatDue(task.DueDate),
		ProjectID:       task.ProjectID,
	}
	payload, err := sonic.ConfigStd.Marshal(ent)
	if err != nil {
		return nil, err
	}
	if _, err := s.table.AddEntity(ctx, payload, nil); err != nil {
		return nil, classify("create task", err)
	}
	return ent.record(), nil
}

// Update merges patch into the stored entity, guarded by its etag.
func (s *TableSource) Update(ctx context.Context, id int64, patch domain.TaskPatch) (domain.RawRecord, error) {
	current, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	changes := entityChanges(patch)
	changes["PartitionKey"] = current["PartitionKey"]
	changes["RowKey"] = current["RowKey"]
	payload, err := sonic.ConfigStd.Marshal(changes)
	if err != nil {
		return nil, err
	}
	etag := azcore.ETagAny
	if v, ok := current["odata.etag"].(string); ok && v != "" {
		etag = azcore.ETag(v)
	}
	if _, err := s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeMerge}); err != nil {
		return nil, classify("update task", err)
	}
	delete(current, "odata.etag")
	for k, v := range changes {
		current[k] = v
	}
	return current, nil
}

// Delete removes the entity with the given id.
func (s *TableSource) Delete(ctx context.Context, id int64) error {
	current, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	pk, _ := current["PartitionKey"].(string)
	rk, _ := current["RowKey"].(string)
	_, err = s.table.DeleteEntity(ctx, pk, rk, nil)
	return classify("delete task", err)
}

// find locates an entity by row key across partitions.
func (s *TableSource) find(ctx context.Context, id int64) (domain.RawRecord, error) {
	filter := "RowKey eq " + quote(strconv.FormatInt(id, 10))
	top := int32(1)
	recs, err := s.list(ctx, &aztables.ListEntitiesOptions{Filter: &filter, Top: &top})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, domain.NotFound("find task "+strconv.FormatInt(id, 10), nil)
	}
	return recs[0], nil
}

// entityChanges maps the set fields of patch onto entity properties. A
// cleared due date is stored as an empty string since merge updates cannot
// drop properties.
func entityChanges(p domain.TaskPatch) map[string]any {
	changes := map[string]any{}
	if p.Title != nil {
		changes["Title"] = *p.Title
	}
	if p.Description != nil {
		changes["Notes"] = *p.Description
	}
	if p.Status != nil {
		changes["Category"] = string(domain.ParseStage(string(*p.Status)))
	}
	if p.Assignee != nil {
		changes["Assignee"] = *p.Assignee
	}
	if p.Progress != nil {
		changes["PercentComplete"] = domain.ClampProgress(*p.Progress)
	}
	if p.ClearDueDate {
		changes["DueDate"] = ""
	} else if p.DueDate != nil {
		changes["DueDate"] = formatDue(p.DueDate)
	}
	if p.ProjectID != nil {
		changes["ProjectId"] = *p.ProjectID
	}
	return changes
}
