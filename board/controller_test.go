package board

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"prism-board/domain"
	"prism-board/layout"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubSource struct {
	list   func(ctx context.Context, scope string) ([]domain.RawRecord, error)
	create func(ctx context.Context, scope string, draft domain.TaskDraft) (domain.RawRecord, error)
	update func(ctx context.Context, id int64, patch domain.TaskPatch) (domain.RawRecord, error)
	delete func(ctx context.Context, id int64) error

	updateCalls atomic.Int32
	deleteCalls atomic.Int32
}

func (s *stubSource) List(ctx context.Context, scope string) ([]domain.RawRecord, error) {
	if s.list == nil {
		return nil, nil
	}
	return s.list(ctx, scope)
}

func (s *stubSource) Create(ctx context.Context, scope string, draft domain.TaskDraft) (domain.RawRecord, error) {
	return s.create(ctx, scope, draft)
}

func (s *stubSource) Update(ctx context.Context, id int64, patch domain.TaskPatch) (domain.RawRecord, error) {
	s.updateCalls.Add(1)
	if s.update == nil {
		return nil, nil
	}
	return s.update(ctx, id, patch)
}

func (s *stubSource) Delete(ctx context.Context, id int64) error {
	s.deleteCalls.Add(1)
	if s.delete == nil {
		return nil
	}
	return s.delete(ctx, id)
}

type mapKV struct {
	mu sync.Mutex
	m  map[string]string
}

func (k *mapKV) Get(_ context.Context, key string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[key]
	return v, ok, nil
}

func (k *mapKV) Set(_ context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.m == nil {
		k.m = map[string]string{}
	}
	k.m[key] = value
	return nil
}

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func quietLogger() *log.Logger {
	l := log.New()
	l.SetLevel(log.PanicLevel)
	return l
}

func newTestController(t *testing.T, src TaskSource, opts Options) *Controller {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	c := New(context.Background(), src, layout.NewStore(&mapKV{}), opts)
	t.Cleanup(c.Close)
	return c
}

func scenarioRecords() []domain.RawRecord {
	return []domain.RawRecord{
		{"id": 1, "title": "a", "status": "completed", "progress": 100},
		{"id": 2, "title": "b", "status": "in_progress", "progress": 40, "dueDate": "2020-01-01"},
	}
}

func loaded(t *testing.T, src *stubSource, opts Options) *Controller {
	t.Helper()
	if src.list == nil {
		src.list = func(context.Context, string) ([]domain.RawRecord, error) { return scenarioRecords(), nil }
	}
	c := newTestController(t, src, opts)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return c
}

func taskByID(t *testing.T, snap Snapshot, id int64) domain.Task {
	t.Helper()
	for _, task := range snap.Tasks {
		if task.ID == id {
			return task
		}
	}
	t.Fatalf("task %d not in snapshot", id)
	return domain.Task{}
}

func taskIDs(tasks []domain.Task) []int64 {
	out := make([]int64, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestNewControllerIsIdleWithDefaultLayout(t *testing.T) {
	c := newTestController(t, &stubSource{}, Options{})
	snap := c.Snapshot()
	if snap.State != StateIdle || len(snap.Tasks) != 0 {
		t.Fatalf("unexpected initial snapshot: %+v", snap)
	}
	if snap.Layout.ID != domain.DefaultLayoutID || len(snap.Saved) != 1 {
		t.Fatalf("unexpected layout: %+v", snap.Layout)
	}
}

func TestRefreshMergesScopes(t *testing.T) {
	src := &stubSource{list: func(_ context.Context, scope string) ([]domain.RawRecord, error) {
		switch scope {
		case "crm":
			return scenarioRecords(), nil
		case "ops":
			return []domain.RawRecord{
				{"RowKey": "3", "Title": "c", "Category": "scheduled"},
				{"RowKey": "1", "Title": "dup"},
				{"Title": "no id"},
			}, nil
		}
		return nil, errors.New("unexpected scope")
	}}
	c := loaded(t, src, Options{Scopes: []string{"crm", "ops"}})

	snap := c.Snapshot()
	if snap.State != StateReady || snap.Error != "" {
		t.Fatalf("unexpected state %s (%s)", snap.State, snap.Error)
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, taskIDs(snap.Tasks)); diff != "" {
		t.Fatalf("unexpected tasks:\n%s", diff)
	}
	if got := taskByID(t, snap, 3).BoardID; got != "ops" {
		t.Fatalf("expected board ops, got %q", got)
	}
	if snap.Stats.Total != 3 || snap.Stats.Completed != 1 || snap.Stats.Overdue != 1 || snap.Stats.InProgress != 1 {
		t.Fatalf("unexpected stats: %+v", snap.Stats)
	}
	// status asc: scheduled, in-progress, completed
	if diff := cmp.Diff([]int64{3, 2, 1}, taskIDs(snap.View)); diff != "" {
		t.Fatalf("unexpected view order:\n%s", diff)
	}
}

func TestRefreshFailureKeepsLastKnownTasks(t *testing.T) {
	var fail atomic.Bool
	src := &stubSource{list: func(context.Context, string) ([]domain.RawRecord, error) {
		if fail.Load() {
			return nil, domain.Transient("list", errors.New("timeout"))
		}
		return scenarioRecords(), nil
	}}
	c := loaded(t, src, Options{})

	fail.Store(true)
	err := c.Refresh(context.Background())
	if !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	snap := c.Snapshot()
	if snap.State != StateError || snap.Error == "" {
		t.Fatalf("expected error state, got %s", snap.State)
	}
	if len(snap.Tasks) != 2 || snap.Stats.Total != 2 {
		t.Fatalf("tasks not retained: %+v", snap.Tasks)
	}

	fail.Store(false)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if snap := c.Snapshot(); snap.State != StateReady || snap.Error != "" {
		t.Fatalf("expected recovery, got %s (%s)", snap.State, snap.Error)
	}
}

func TestStatsScenarioThroughController(t *testing.T) {
	c := loaded(t, &stubSource{}, Options{Filters: domain.FilterState{domain.FilterStatus: {"completed"}}})
	snap := c.Snapshot()
	if snap.Stats.Total != 2 || snap.Stats.Completed != 1 || snap.Stats.Overdue != 1 || snap.Stats.AverageProgress != 70 {
		t.Fatalf("stats must cover the full collection: %+v", snap.Stats)
	}
	if diff := cmp.Diff([]int64{1}, taskIDs(snap.View)); diff != "" {
		t.Fatalf("unexpected view:\n%s", diff)
	}
}

func TestUpdateRollbackOnSourceFailure(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	src := &stubSource{update: func(context.Context, int64, domain.TaskPatch) (domain.RawRecord, error) {
		close(entered)
		<-release
		return nil, domain.Transient("update", errors.New("503"))
	}}
	c := loaded(t, src, Options{})

	progress := 80
	done := make(chan error, 1)
	go func() {
		_, err := c.UpdateTask(context.Background(), 2, domain.TaskPatch{Progress: &progress})
		done <- err
	}()

	<-entered
	if got := taskByID(t, c.Snapshot(), 2).Progress; got != 80 {
		t.Fatalf("expected optimistic progress 80, got %d", got)
	}
	if got := c.Snapshot().Stats.AverageProgress; got != 90 {
		t.Fatalf("stats not recomputed optimistically: %d", got)
	}
	close(release)

	err := <-done
	if !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected surfaced transient error, got %v", err)
	}
	snap := c.Snapshot()
	if got := taskByID(t, snap, 2).Progress; got != 40 {
		t.Fatalf("expected progress rolled back to 40, got %d", got)
	}
	if snap.Stats.AverageProgress != 70 {
		t.Fatalf("stats not rolled back: %d", snap.Stats.AverageProgress)
	}
}

func TestUpdateRollbackKeepsOtherFields(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	src := &stubSource{update: func(_ context.Context, _ int64, patch domain.TaskPatch) (domain.RawRecord, error) {
		if patch.Title != nil {
			return domain.RawRecord{"id": 2, "title": *patch.Title, "status": "in-progress", "progress": 40}, nil
		}
		close(entered)
		<-release
		return nil, errors.New("boom")
	}}
	c := loaded(t, src, Options{})

	progress := 10
	done := make(chan error, 1)
	go func() {
		_, err := c.UpdateTask(context.Background(), 2, domain.TaskPatch{Progress: &progress})
		done <- err
	}()
	<-entered
	title := "renamed"
	if _, err := c.UpdateTask(context.Background(), 2, domain.TaskPatch{Title: &title}); err != nil {
		t.Fatalf("concurrent update: %v", err)
	}
	close(release)
	if err := <-done; err == nil {
		t.Fatalf("expected error")
	}
	got := taskByID(t, c.Snapshot(), 2)
	if got.Title != "renamed" || got.Progress != 40 {
		t.Fatalf("rollback clobbered concurrent edit: %+v", got)
	}
}

func TestUpdateReconcilesWithStoredRecord(t *testing.T) {
	src := &stubSource{update: func(context.Context, int64, domain.TaskPatch) (domain.RawRecord, error) {
		return domain.RawRecord{"id": 2, "title": "b", "status": "completed", "progress": 100, "assignee": "server"}, nil
	}}
	c := loaded(t, src, Options{})
	status := domain.StageCompleted
	got, err := c.UpdateTask(context.Background(), 2, domain.TaskPatch{Status: &status})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Assignee != "server" || got.Progress != 100 {
		t.Fatalf("stored record not applied: %+v", got)
	}
	if snap := c.Snapshot(); snap.Stats.Completed != 2 || snap.Stats.Overdue != 0 {
		t.Fatalf("unexpected stats: %+v", snap.Stats)
	}
}

// overlappingProgressSource holds the reply to the progress 50 update until
// release is closed and answers every other update at once.
func overlappingProgressSource(entered, release chan struct{}, slowErr error) *stubSource {
	return &stubSource{update: func(_ context.Context, _ int64, patch domain.TaskPatch) (domain.RawRecord, error) {
		p := *patch.Progress
		if p == 50 {
			close(entered)
			<-release
			if slowErr != nil {
				return nil, slowErr
			}
		}
		return domain.RawRecord{"id": 2, "title": "b", "status": "in-progress", "progress": p}, nil
	}}
}

func TestLateUpdateReplyDoesNotOverwriteNewerEdit(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	c := loaded(t, overlappingProgressSource(entered, release, nil), Options{})

	first, second := 50, 60
	done := make(chan error, 1)
	go func() {
		_, err := c.UpdateTask(context.Background(), 2, domain.TaskPatch{Progress: &first})
		done <- err
	}()
	<-entered
	if _, err := c.UpdateTask(context.Background(), 2, domain.TaskPatch{Progress: &second}); err != nil {
		t.Fatalf("second update: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first update: %v", err)
	}
	if got := taskByID(t, c.Snapshot(), 2).Progress; got != 60 {
		t.Fatalf("expected newest progress 60, got %d", got)
	}
}

func TestLateUpdateFailureKeepsConfirmedNewerEdit(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	c := loaded(t, overlappingProgressSource(entered, release, domain.Transient("update", errors.New("503"))), Options{})

	first, second := 50, 60
	done := make(chan error, 1)
	go func() {
		_, err := c.UpdateTask(context.Background(), 2, domain.TaskPatch{Progress: &first})
		done <- err
	}()
	<-entered
	if _, err := c.UpdateTask(context.Background(), 2, domain.TaskPatch{Progress: &second}); err != nil {
		t.Fatalf("second update: %v", err)
	}
	close(release)
	if err := <-done; !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if got := taskByID(t, c.Snapshot(), 2).Progress; got != 60 {
		t.Fatalf("rollback undid confirmed progress 60, got %d", got)
	}
	c.mu.Lock()
	pending := len(c.edits)
	c.mu.Unlock()
	if pending != 0 {
		t.Fatalf("expected no tracked edits after both updates, got %d", pending)
	}
}

func TestMutationsOnUnknownTask(t *testing.T) {
	src := &stubSource{}
	c := loaded(t, src, Options{})
	before := c.Snapshot()

	progress := 5
	if _, err := c.UpdateTask(context.Background(), 99, domain.TaskPatch{Progress: &progress}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := c.DeleteTask(context.Background(), 99); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if src.updateCalls.Load() != 0 || src.deleteCalls.Load() != 0 {
		t.Fatalf("source called for unknown task")
	}
	if after := c.Snapshot(); after.Version != before.Version {
		t.Fatalf("state changed: version %d -> %d", before.Version, after.Version)
	}
}

func TestDeleteRestoresPositionOnFailure(t *testing.T) {
	src := &stubSource{
		list: func(context.Context, string) ([]domain.RawRecord, error) {
			return []domain.RawRecord{
				{"id": 1, "title": "a"}, {"id": 2, "title": "b"}, {"id": 3, "title": "c"},
			}, nil
		},
		delete: func(context.Context, int64) error { return domain.Transient("delete", errors.New("reset")) },
	}
	c := loaded(t, src, Options{})

	if err := c.DeleteTask(context.Background(), 2); !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, taskIDs(c.Snapshot().Tasks)); diff != "" {
		t.Fatalf("task not restored in place:\n%s", diff)
	}
}

func TestDeleteSurfacesRemoteNotFound(t *testing.T) {
	src := &stubSource{delete: func(context.Context, int64) error { return domain.NotFound("delete", nil) }}
	c := loaded(t, src, Options{})
	if err := c.DeleteTask(context.Background(), 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
	// the task is gone at the source, so it stays removed locally
	if diff := cmp.Diff([]int64{2}, taskIDs(c.Snapshot().Tasks)); diff != "" {
		t.Fatalf("unexpected tasks:\n%s", diff)
	}
}

func TestCreateReplacesPlaceholder(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	src := &stubSource{create: func(_ context.Context, scope string, draft domain.TaskDraft) (domain.RawRecord, error) {
		close(entered)
		<-release
		return domain.RawRecord{"id": 42, "title": draft.Title, "status": "new-lead", "boardId": scope}, nil
	}}
	c := loaded(t, src, Options{})

	type result struct {
		task domain.Task
		err  error
	}
	done := make(chan result, 1)
	go func() {
		task, err := c.CreateTask(context.Background(), "crm", domain.TaskDraft{Title: "  new  "})
		done <- result{task, err}
	}()

	<-entered
	placeholder := taskByID(t, c.Snapshot(), -1)
	if placeholder.Title != "new" || placeholder.Status != domain.StageNewLead {
		t.Fatalf("unexpected placeholder: %+v", placeholder)
	}
	close(release)

	res := <-done
	if res.err != nil || res.task.ID != 42 || res.task.BoardID != "crm" {
		t.Fatalf("unexpected create result: %+v %v", res.task, res.err)
	}
	if diff := cmp.Diff([]int64{1, 2, 42}, taskIDs(c.Snapshot().Tasks)); diff != "" {
		t.Fatalf("placeholder not replaced:\n%s", diff)
	}
}

func TestCreateFailureRemovesPlaceholder(t *testing.T) {
	src := &stubSource{create: func(context.Context, string, domain.TaskDraft) (domain.RawRecord, error) {
		return nil, domain.Transient("create", errors.New("offline"))
	}}
	c := loaded(t, src, Options{})
	if _, err := c.CreateTask(context.Background(), "", domain.TaskDraft{Title: "x"}); !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2}, taskIDs(c.Snapshot().Tasks)); diff != "" {
		t.Fatalf("placeholder left behind:\n%s", diff)
	}
	if _, err := c.CreateTask(context.Background(), "", domain.TaskDraft{Title: "   "}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSupersededRefreshIsDiscarded(t *testing.T) {
	var calls atomic.Int32
	firstEntered := make(chan struct{})
	releaseFirst := make(chan struct{})
	src := &stubSource{list: func(context.Context, string) ([]domain.RawRecord, error) {
		if calls.Add(1) == 1 {
			close(firstEntered)
			<-releaseFirst
			return []domain.RawRecord{{"id": 1, "title": "stale"}}, nil
		}
		return []domain.RawRecord{{"id": 7, "title": "fresh"}}, nil
	}}
	c := newTestController(t, src, Options{})

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background()) }()
	<-firstEntered
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	close(releaseFirst)
	if err := <-done; err != nil {
		t.Fatalf("stale refresh returned error: %v", err)
	}

	snap := c.Snapshot()
	if diff := cmp.Diff([]int64{7}, taskIDs(snap.Tasks)); diff != "" {
		t.Fatalf("stale refresh overwrote fresh state:\n%s", diff)
	}
	if snap.State != StateReady {
		t.Fatalf("unexpected state %s", snap.State)
	}
}

func TestRefreshDoesNotOverwriteLaterEdits(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	src := &stubSource{list: func(context.Context, string) ([]domain.RawRecord, error) {
		if calls.Add(1) == 2 {
			close(entered)
			<-release
		}
		return scenarioRecords(), nil
	}}
	c := loaded(t, src, Options{})

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background()) }()
	<-entered
	progress := 90
	if _, err := c.UpdateTask(context.Background(), 2, domain.TaskPatch{Progress: &progress}); err != nil {
		t.Fatalf("update: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("refresh: %v", err)
	}

	snap := c.Snapshot()
	if got := taskByID(t, snap, 2).Progress; got != 90 {
		t.Fatalf("refresh from before the edit overwrote it: progress %d", got)
	}
	if snap.State != StateReady {
		t.Fatalf("unexpected state %s", snap.State)
	}
}

func TestSubscribersSeeOrderedSnapshots(t *testing.T) {
	c := newTestController(t, &stubSource{list: func(context.Context, string) ([]domain.RawRecord, error) {
		return scenarioRecords(), nil
	}}, Options{})

	var mu sync.Mutex
	var states []State
	var versions []uint64
	unsubscribe := c.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s.State)
		versions = append(versions, s.Version)
	})

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	c.SetGroupBy(domain.GroupAssignee)
	unsubscribe()
	unsubscribe()
	c.SetGroupBy(domain.GroupNone)

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]State{StateLoading, StateReady, StateReady}, states); diff != "" {
		t.Fatalf("unexpected states:\n%s", diff)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("versions not increasing: %v", versions)
		}
	}
}

func TestSettersRecomputeView(t *testing.T) {
	c := loaded(t, &stubSource{}, Options{})

	snap := c.SetFilter(domain.FilterStatus, []string{"in-progress"})
	if diff := cmp.Diff([]int64{2}, taskIDs(snap.View)); diff != "" {
		t.Fatalf("unexpected filtered view:\n%s", diff)
	}
	snap = c.SetFilter(domain.FilterStatus, nil)
	if len(snap.View) != 2 || len(snap.Filters) != 0 {
		t.Fatalf("filter not cleared: %+v", snap.Filters)
	}

	snap = c.SetSort(domain.SortState{SortBy: domain.SortByProgress, SortOrder: domain.SortDesc})
	if diff := cmp.Diff([]int64{1, 2}, taskIDs(snap.View)); diff != "" {
		t.Fatalf("unexpected sorted view:\n%s", diff)
	}
	snap = c.SetSort(domain.SortState{SortBy: domain.SortByProgress, SortOrder: "sideways"})
	if snap.Sort.SortOrder != domain.SortAsc {
		t.Fatalf("unknown order not normalized: %q", snap.Sort.SortOrder)
	}

	snap = c.SetGroupBy(domain.GroupStatus)
	if len(snap.Groups) != len(domain.Stages) {
		t.Fatalf("expected one group per visible stage, got %d", len(snap.Groups))
	}

	snap = c.SetFilters(domain.FilterState{domain.FilterSearch: {"A"}})
	if diff := cmp.Diff([]int64{1}, taskIDs(snap.View)); diff != "" {
		t.Fatalf("unexpected search view:\n%s", diff)
	}
}

func TestLayoutChangesFlowIntoGroups(t *testing.T) {
	c := loaded(t, &stubSource{}, Options{GroupBy: domain.GroupStatus})
	ctx := context.Background()

	cfg := c.Snapshot().Layout
	for i := range cfg.Stages {
		cfg.Stages[i].Visible = cfg.Stages[i].ID == string(domain.StageCompleted)
	}
	created, err := c.SaveLayoutAs(ctx, cfg, "done only")
	if err != nil {
		t.Fatalf("save layout as: %v", err)
	}
	snap := c.Snapshot()
	if snap.Layout.ID != created.ID || len(snap.Saved) != 2 {
		t.Fatalf("layout not activated: %+v", snap.Layout)
	}
	if len(snap.Groups) != 1 || snap.Groups[0].Key != string(domain.StageCompleted) {
		t.Fatalf("unexpected groups: %+v", snap.Groups)
	}

	if err := c.DeleteLayout(ctx, domain.DefaultLayoutID); !errors.Is(err, domain.ErrDefaultLayout) {
		t.Fatalf("expected ErrDefaultLayout, got %v", err)
	}
	if err := c.ResetLayout(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := len(c.Snapshot().Groups); got != len(domain.Stages) {
		t.Fatalf("expected default groups after reset, got %d", got)
	}
	if err := c.SelectLayout(ctx, created.ID); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := c.DeleteLayout(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if snap := c.Snapshot(); snap.Layout.ID != domain.DefaultLayoutID || len(snap.Saved) != 1 {
		t.Fatalf("unexpected layouts after delete: %+v", snap.Saved)
	}
	if _, err := c.SaveLayoutAs(ctx, cfg, " "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestClosedControllerRejectsWork(t *testing.T) {
	c := loaded(t, &stubSource{}, Options{})
	c.Close()
	if err := c.Refresh(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.DeleteTask(context.Background(), 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMutationSpansRecordFailures(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	src := &stubSource{update: func(context.Context, int64, domain.TaskPatch) (domain.RawRecord, error) {
		return nil, errors.New("boom")
	}}
	c := loaded(t, src, Options{Tracer: tp.Tracer("test")})
	progress := 1
	_, _ = c.UpdateTask(context.Background(), 2, domain.TaskPatch{Progress: &progress})

	var found bool
	for _, span := range exporter.GetSpans() {
		switch span.Name {
		case "board.update":
			found = true
			if span.Status.Code != codes.Error {
				t.Fatalf("expected error status, got %v", span.Status)
			}
		case "board.refresh":
			if span.Status.Code == codes.Error {
				t.Fatalf("refresh span marked failed")
			}
		}
	}
	if !found {
		t.Fatalf("board.update span not recorded")
	}
}
