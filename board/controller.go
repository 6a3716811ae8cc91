package board

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"prism-board/domain"
	"prism-board/layout"
)

// ErrClosed is returned by operations on a closed controller.
var ErrClosed = errors.New("board controller closed")

const tracerName = "prism-board/board"

// Options configures a Controller. Zero values select defaults.
type Options struct {
	// Scopes are the boards listed on refresh. Empty means a single
	// unnamed scope that the source interprets as "all boards".
	Scopes  []string
	Buckets *domain.StatBuckets
	Filters domain.FilterState
	Sort    *domain.SortState
	GroupBy domain.GroupBy
	Now     func() time.Time
	Logger  *log.Logger
	Tracer  trace.Tracer
}

// Controller owns the task collection of one session. Derived state is
// recomputed synchronously under mu; mu is never held across source or store
// I/O.
type Controller struct {
	source  TaskSource
	layouts *layout.Store
	scopes  []string
	buckets domain.StatBuckets
	now     func() time.Time
	log     *log.Logger
	tracer  trace.Tracer

	mu       sync.Mutex
	closed   bool
	state    State
	err      error
	version  uint64
	tasks    []domain.Task
	filters  domain.FilterState
	sort     domain.SortState
	groupBy  domain.GroupBy
	layout   domain.ViewConfiguration
	saved    []domain.ViewConfiguration
	snapshot Snapshot

	// gen orders fetches and mutations. A fetch result is applied only when
	// it is the latest fetch issued and no mutation was applied after it
	// started.
	gen          uint64
	lastFetch    uint64
	lastMutation uint64
	nextTempID   int64

	// edits tracks tasks with updates in flight: the generation of the
	// latest update and of the latest update of each field.
	edits map[int64]*taskEdits

	subs    map[int]func(Snapshot)
	nextSub int
	pending []Snapshot
	deliver sync.Mutex
}

// New creates a controller over source and loads the active layout from
// layouts. Tasks are not fetched until Refresh is called.
func New(ctx context.Context, source TaskSource, layouts *layout.Store, opts Options) *Controller {
	c := &Controller{
		source:     source,
		layouts:    layouts,
		scopes:     slices.Clone(opts.Scopes),
		buckets:    domain.DefaultStatBuckets(),
		now:        time.Now,
		log:        opts.Logger,
		tracer:     opts.Tracer,
		filters:    opts.Filters.Clone(),
		sort:       domain.DefaultSort(),
		groupBy:    opts.GroupBy,
		nextTempID: -1,
		edits:      make(map[int64]*taskEdits),
		subs:       make(map[int]func(Snapshot)),
	}
	if len(c.scopes) == 0 {
		c.scopes = []string{""}
	}
	if opts.Buckets != nil {
		c.buckets = *opts.Buckets
	}
	if opts.Sort != nil {
		c.sort = *opts.Sort
	}
	if opts.Now != nil {
		c.now = opts.Now
	}
	if c.log == nil {
		c.log = log.StandardLogger()
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	l := layouts.Load(ctx)
	c.layout, c.saved = l.Active, l.Saved
	c.recomputeLocked()
	return c
}

// Snapshot returns the latest published state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.unlock()
	return c.snapshot
}

// Subscribe registers fn to receive every published snapshot and returns a
// function that removes it. Snapshots arrive in version order, outside the
// controller lock. fn must not call back into the controller.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	defer c.unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.unlock()
		})
	}
}

// Close drops all subscribers. Later operations return ErrClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.unlock()
	c.closed = true
	c.subs = make(map[int]func(Snapshot))
}

// Refresh lists every scope concurrently and replaces the collection. A
// refresh superseded by a newer refresh or by a local mutation is discarded.
// On failure the previous tasks are kept and the state becomes StateError.
func (c *Controller) Refresh(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "board.refresh", trace.WithAttributes(attribute.Int("board.scopes", len(c.scopes))))
	defer span.End()

	c.mu.Lock()
	if c.closed {
		c.unlock()
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	c.lastFetch = gen
	c.state = StateLoading
	c.publishLocked()
	c.unlock()

	batches, err := c.fetch(ctx)
	var tasks []domain.Task
	if err == nil {
		var rejects []domain.ValidationError
		tasks, rejects = domain.Normalize(batches...)
		span.SetAttributes(attribute.Int("board.tasks", len(tasks)), attribute.Int("board.rejected", len(rejects)))
	} else {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
	}

	c.mu.Lock()
	defer c.unlock()
	if c.closed {
		return ErrClosed
	}
	if c.lastFetch != gen {
		c.log.WithFields(log.Fields{"generation": gen, "latest": c.lastFetch}).Debug("discarding superseded refresh")
		return nil
	}
	if err != nil {
		c.state = StateError
		c.err = err
		c.log.WithError(err).Warn("refresh failed; keeping last known tasks")
		c.publishLocked()
		return err
	}
	if c.lastMutation > gen {
		c.log.WithFields(log.Fields{"generation": gen, "mutation": c.lastMutation}).Debug("discarding refresh older than local edits")
	} else {
		c.tasks = tasks
	}
	c.state = StateReady
	c.err = nil
	c.recomputeLocked()
	c.publishLocked()
	return nil
}

func (c *Controller) fetch(ctx context.Context) ([]domain.RawBatch, error) {
	batches := make([]domain.RawBatch, len(c.scopes))
	g, gctx := errgroup.WithContext(ctx)
	for i, scope := range c.scopes {
		g.Go(func() error {
			recs, err := c.source.List(gctx, scope)
			if err != nil {
				return fmt.Errorf("list %q: %w", scope, err)
			}
			batches[i] = domain.RawBatch{BoardID: scope, Records: recs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return batches, nil
}

// CreateTask appends the draft under a temporary negative id, creates it in
// scope and replaces the placeholder with the stored task. On failure the
// placeholder is removed.
func (c *Controller) CreateTask(ctx context.Context, scope string, draft domain.TaskDraft) (domain.Task, error) {
	ctx, span := c.tracer.Start(ctx, "board.create", trace.WithAttributes(attribute.String("board.scope", scope)))
	defer span.End()

	draft.Title = strings.TrimSpace(draft.Title)
	if draft.Title == "" {
		return domain.Task{}, fmt.Errorf("%w: title is required", domain.ErrValidation)
	}

	c.mu.Lock()
	if c.closed {
		c.unlock()
		return domain.Task{}, ErrClosed
	}
	tempID := c.nextTempID
	c.nextTempID--
	c.tasks = append(c.tasks, draft.Task(tempID, scope))
	c.markMutationLocked()
	c.unlock()

	rec, err := c.source.Create(ctx, scope, draft)
	var created domain.Task
	if err == nil {
		created, err = domain.NormalizeRecord(scope, rec)
	}

	c.mu.Lock()
	defer c.unlock()
	idx := c.indexLocked(tempID)
	if err != nil {
		if idx >= 0 {
			c.tasks = slices.Delete(c.tasks, idx, idx+1)
		}
		c.failMutationLocked(span, "create", err)
		return domain.Task{}, err
	}
	if existing := c.indexLocked(created.ID); existing >= 0 {
		c.tasks[existing] = created
		if idx >= 0 {
			c.tasks = slices.Delete(c.tasks, idx, idx+1)
		}
	} else if idx >= 0 {
		c.tasks[idx] = created
	} else {
		c.tasks = append(c.tasks, created)
	}
	span.SetAttributes(attribute.Int64("task.id", created.ID))
	c.markMutationLocked()
	return created, nil
}

// UpdateTask applies patch locally, forwards it to the source and reconciles
// with the stored record. Overlapping updates of one task resolve in issue
// order: a reply is applied only when no later update of the task was issued,
// and a failure restores only the fields no later update has touched.
func (c *Controller) UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch) (domain.Task, error) {
	ctx, span := c.tracer.Start(ctx, "board.update", trace.WithAttributes(attribute.Int64("task.id", id)))
	defer span.End()

	c.mu.Lock()
	if c.closed {
		c.unlock()
		return domain.Task{}, ErrClosed
	}
	idx := c.indexLocked(id)
	if idx < 0 {
		c.unlock()
		return domain.Task{}, fmt.Errorf("task %d: %w", id, domain.ErrNotFound)
	}
	prev := c.tasks[idx]
	if patch.Empty() {
		c.unlock()
		return prev, nil
	}
	c.tasks[idx] = patch.Apply(prev)
	c.markMutationLocked()
	gen := c.gen
	edits := c.beginEditLocked(id, patch, gen)
	c.unlock()

	rec, err := c.source.Update(ctx, id, patch)

	c.mu.Lock()
	defer c.unlock()
	defer c.endEditLocked(id, edits)
	idx = c.indexLocked(id)
	if err != nil {
		if idx >= 0 {
			undo := maskPatch(inverse(patch, prev), edits.touchedAfter(gen))
			c.tasks[idx] = undo.Apply(c.tasks[idx])
		}
		c.failMutationLocked(span, "update", err)
		return domain.Task{}, err
	}
	if idx < 0 {
		return patch.Apply(prev), nil
	}
	result := c.tasks[idx]
	if rec != nil {
		stored, nerr := domain.NormalizeRecord(prev.BoardID, rec)
		switch {
		case nerr != nil:
			c.log.WithError(nerr).WithField("task", id).Warn("ignoring unusable update response")
		case edits.latest > gen:
			c.log.WithFields(log.Fields{"task": id, "generation": gen, "latest": edits.latest}).Debug("keeping newer local edit over update response")
			result = stored
		default:
			c.tasks[idx] = stored
			result = stored
		}
	}
	c.markMutationLocked()
	return result, nil
}

// DeleteTask removes the task locally and from the source. On failure the
// task is restored at its previous position. A source reporting the task as
// already gone returns ErrNotFound but keeps it removed.
func (c *Controller) DeleteTask(ctx context.Context, id int64) error {
	ctx, span := c.tracer.Start(ctx, "board.delete", trace.WithAttributes(attribute.Int64("task.id", id)))
	defer span.End()

	c.mu.Lock()
	if c.closed {
		c.unlock()
		return ErrClosed
	}
	idx := c.indexLocked(id)
	if idx < 0 {
		c.unlock()
		return fmt.Errorf("task %d: %w", id, domain.ErrNotFound)
	}
	removed := c.tasks[idx]
	c.tasks = slices.Delete(c.tasks, idx, idx+1)
	c.markMutationLocked()
	c.unlock()

	err := c.source.Delete(ctx, id)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		// gone at the source too, so the local removal stands
		span.RecordError(err)
		c.log.WithField("task", id).Info("task already deleted at source")
		return fmt.Errorf("task %d: %w", id, err)
	}

	c.mu.Lock()
	defer c.unlock()
	if c.indexLocked(id) < 0 {
		c.tasks = slices.Insert(c.tasks, min(idx, len(c.tasks)), removed)
	}
	c.failMutationLocked(span, "delete", err)
	return err
}

// SetFilters replaces every filter dimension.
func (c *Controller) SetFilters(filters domain.FilterState) Snapshot {
	return c.update(func() { c.filters = filters.Clone() })
}

// SetFilter replaces one filter dimension. Empty values clear it.
func (c *Controller) SetFilter(key string, values []string) Snapshot {
	return c.update(func() {
		if len(values) == 0 {
			delete(c.filters, key)
			return
		}
		c.filters[key] = slices.Clone(values)
	})
}

// SetSort changes the sort key and direction.
func (c *Controller) SetSort(sort domain.SortState) Snapshot {
	if sort.SortOrder != domain.SortDesc {
		sort.SortOrder = domain.SortAsc
	}
	return c.update(func() { c.sort = sort })
}

// SetGroupBy changes how the view is bucketed.
func (c *Controller) SetGroupBy(by domain.GroupBy) Snapshot {
	return c.update(func() { c.groupBy = by })
}

func (c *Controller) update(fn func()) Snapshot {
	c.mu.Lock()
	defer c.unlock()
	fn()
	c.recomputeLocked()
	c.publishLocked()
	return c.snapshot
}

// SaveLayout persists cfg as the active layout. The layout is applied even
// when persisting fails.
func (c *Controller) SaveLayout(ctx context.Context, cfg domain.ViewConfiguration) error {
	l, err := c.layouts.SaveActive(ctx, cfg)
	c.applyLayouts(l)
	return err
}

// SaveLayoutAs stores cfg as a new named layout and activates it.
func (c *Controller) SaveLayoutAs(ctx context.Context, cfg domain.ViewConfiguration, name string) (domain.ViewConfiguration, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.ViewConfiguration{}, fmt.Errorf("%w: layout name is required", domain.ErrValidation)
	}
	created, err := c.layouts.SaveAsNew(ctx, cfg, name)
	c.applyLayouts(c.layouts.Current(ctx))
	return created, err
}

// DeleteLayout removes a saved layout.
func (c *Controller) DeleteLayout(ctx context.Context, id string) error {
	l, err := c.layouts.Delete(ctx, id)
	c.applyLayouts(l)
	return err
}

// SelectLayout activates a saved layout.
func (c *Controller) SelectLayout(ctx context.Context, id string) error {
	l, err := c.layouts.Select(ctx, id)
	c.applyLayouts(l)
	return err
}

// ResetLayout activates the built-in layout.
func (c *Controller) ResetLayout(ctx context.Context) error {
	l, err := c.layouts.ResetToDefault(ctx)
	c.applyLayouts(l)
	return err
}

// ReloadLayouts rereads the layout blob, picking up writes from other
// sessions.
func (c *Controller) ReloadLayouts(ctx context.Context) {
	c.applyLayouts(c.layouts.Load(ctx))
}

func (c *Controller) applyLayouts(l layout.Layouts) {
	c.update(func() {
		c.layout = l.Active
		c.saved = l.Saved
	})
}

func (c *Controller) indexLocked(id int64) int {
	return slices.IndexFunc(c.tasks, func(t domain.Task) bool { return t.ID == id })
}

func (c *Controller) markMutationLocked() {
	c.gen++
	c.lastMutation = c.gen
	c.recomputeLocked()
	c.publishLocked()
}

func (c *Controller) failMutationLocked(span trace.Span, op string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, op+" failed")
	c.log.WithError(err).WithFields(log.Fields{"op": op, "retryable": domain.IsRetryable(err)}).Warn("rolling back optimistic change")
	c.markMutationLocked()
}

// recomputeLocked rebuilds the derived snapshot from the current inputs.
func (c *Controller) recomputeLocked() {
	now := c.now()
	tasks := slices.Clone(c.tasks)
	if tasks == nil {
		tasks = []domain.Task{}
	}
	view := domain.ApplyView(tasks, c.filters, c.sort, now)
	snap := Snapshot{
		State:   c.state,
		Tasks:   tasks,
		View:    view,
		Groups:  domain.GroupView(view, c.groupBy, c.layout.Stages),
		Stats:   domain.ComputeStats(tasks, now, c.buckets.BucketsForStages(c.layout.Stages)),
		Filters: c.filters.Clone(),
		Sort:    c.sort,
		GroupBy: c.groupBy,
		Layout:  c.layout.Clone(),
		Saved:   make([]domain.ViewConfiguration, len(c.saved)),
	}
	for i, s := range c.saved {
		snap.Saved[i] = s.Clone()
	}
	c.snapshot = snap
}

// publishLocked stamps the snapshot and queues it for subscribers. Queued
// snapshots are delivered by unlock.
func (c *Controller) publishLocked() {
	c.version++
	c.snapshot.Version = c.version
	c.snapshot.State = c.state
	c.snapshot.Error = ""
	if c.err != nil {
		c.snapshot.Error = c.err.Error()
	}
	if len(c.subs) > 0 {
		c.pending = append(c.pending, c.snapshot)
	}
}

// unlock releases mu and delivers queued snapshots in version order. The
// delivery lock is taken before mu is released so concurrent publishers
// cannot overtake each other.
func (c *Controller) unlock() {
	pending := c.pending
	c.pending = nil
	if len(pending) == 0 || len(c.subs) == 0 {
		c.mu.Unlock()
		return
	}
	subs := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.deliver.Lock()
	c.mu.Unlock()
	defer c.deliver.Unlock()
	for _, snap := range pending {
		for _, fn := range subs {
			fn(snap)
		}
	}
}

// inverse returns the patch restoring the fields p changes to their values
// in prev.
func inverse(p domain.TaskPatch, prev domain.Task) domain.TaskPatch {
	var inv domain.TaskPatch
	if p.Title != nil {
		inv.Title = &prev.Title
	}
	if p.Description != nil {
		inv.Description = &prev.Description
	}
	if p.Status != nil {
		inv.Status = &prev.Status
	}
	if p.Assignee != nil {
		inv.Assignee = &prev.Assignee
	}
	if p.Progress != nil {
		inv.Progress = &prev.Progress
	}
	if p.DueDate != nil || p.ClearDueDate {
		if prev.DueDate == nil {
			inv.ClearDueDate = true
		} else {
			inv.DueDate = prev.DueDate
		}
	}
	if p.ProjectID != nil {
		inv.ProjectID = &prev.ProjectID
	}
	return inv
}

type taskEdits struct {
	inflight int
	latest   uint64
	fields   map[string]uint64
}

// touchedAfter returns the fields updated by generations newer than gen.
func (e *taskEdits) touchedAfter(gen uint64) map[string]bool {
	out := map[string]bool{}
	for f, g := range e.fields {
		if g > gen {
			out[f] = true
		}
	}
	return out
}

func (c *Controller) beginEditLocked(id int64, p domain.TaskPatch, gen uint64) *taskEdits {
	e, ok := c.edits[id]
	if !ok {
		e = &taskEdits{fields: map[string]uint64{}}
		c.edits[id] = e
	}
	e.inflight++
	e.latest = gen
	for _, f := range patchFields(p) {
		e.fields[f] = gen
	}
	return e
}

func (c *Controller) endEditLocked(id int64, e *taskEdits) {
	e.inflight--
	if e.inflight == 0 && c.edits[id] == e {
		delete(c.edits, id)
	}
}

// patchFields lists the fields p changes.
func patchFields(p domain.TaskPatch) []string {
	var fields []string
	if p.Title != nil {
		fields = append(fields, "title")
	}
	if p.Description != nil {
		fields = append(fields, "description")
	}
	if p.Status != nil {
		fields = append(fields, "status")
	}
	if p.Assignee != nil {
		fields = append(fields, "assignee")
	}
	if p.Progress != nil {
		fields = append(fields, "progress")
	}
	if p.DueDate != nil || p.ClearDueDate {
		fields = append(fields, "dueDate")
	}
	if p.ProjectID != nil {
		fields = append(fields, "projectId")
	}
	return fields
}

// maskPatch drops the fields in skip from p.
func maskPatch(p domain.TaskPatch, skip map[string]bool) domain.TaskPatch {
	if skip["title"] {
		p.Title = nil
	}
	if skip["description"] {
		p.Description = nil
	}
	if skip["status"] {
		p.Status = nil
	}
	if skip["assignee"] {
		p.Assignee = nil
	}
	if skip["progress"] {
		p.Progress = nil
	}
	if skip["dueDate"] {
		p.DueDate, p.ClearDueDate = nil, false
	}
	if skip["projectId"] {
		p.ProjectID = nil
	}
	return p
}
