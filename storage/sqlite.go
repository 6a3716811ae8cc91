package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"prism-board/domain"
)

const schema = `CREATE TABLE IF NOT EXISTS tasks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	board_id    TEXT NOT NULL,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT '',
	assignee    TEXT NOT NULL DEFAULT '',
	progress    INTEGER NOT NULL DEFAULT 0,
	due_date    TEXT NOT NULL DEFAULT '',
	project_id  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_board ON tasks(board_id);`

// SQLiteSource stores tasks in a local SQLite database.
type SQLiteSource struct {
	db           *sql.DB
	defaultBoard string
}

// OpenSQLite opens the database at path, creating it and its schema when
// missing. ":memory:" opens a private in-memory database.
func OpenSQLite(path, defaultBoard string) (*SQLiteSource, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if defaultBoard == "" {
		defaultBoard = "default"
	}
	return &SQLiteSource{db: db, defaultBoard: defaultBoard}, nil
}

// Close closes the database.
func (s *SQLiteSource) Close() error { return s.db.Close() }

const selectTasks = `SELECT id, board_id, title, description, status, assignee, progress, due_date, project_id FROM tasks`

func scanRecord(row interface{ Scan(...any) error }) (domain.RawRecord, error) {
	var (
		id                                                    int64
		progress                                              int
		board, title, description, status, assignee, due, pid string
	)
	if err := row.Scan(&id, &board, &title, &description, &status, &assignee, &progress, &due, &pid); err != nil {
		return nil, err
	}
	rec := domain.RawRecord{
		"id":          id,
		"boardId":     board,
		"title":       title,
		"description": description,
		"status":      status,
		"assignee":    assignee,
		"progress":    progress,
		"projectId":   pid,
	}
	if due != "" {
		rec["dueDate"] = due
	}
	return rec, nil
}

// List returns the tasks of one board, or of every board when scope is empty.
func (s *SQLiteSource) List(ctx context.Context, scope string) ([]domain.RawRecord, error) {
	query, args := selectTasks+` ORDER BY id`, []any{}
	if scope != "" {
		query, args = selectTasks+` WHERE board_id = ? ORDER BY id`, []any{scope}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Transient("list tasks", err)
	}
	defer rows.Close()

	records := []domain.RawRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, domain.Transient("scan task", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Transient("list tasks", err)
	}
	return records, nil
}

// Create inserts the draft and returns the stored row.
func (s *SQLiteSource) Create(ctx context.Context, scope string, draft domain.TaskDraft) (domain.RawRecord, error) {
	if scope == "" {
		scope = s.defaultBoard
	}
	t := draft.Task(0, scope)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (board_id, title, description, status, assignee, progress, due_date, project_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.BoardID, t.Title, t.Description, string(t.Status), t.Assignee, t.Progress, formatDue(t.DueDate), t.ProjectID)
	if err != nil {
		return nil, domain.Transient("create task", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, domain.Transient("create task", err)
	}
	return s.get(ctx, id)
}

// Update applies the set fields of patch and returns the stored row.
func (s *SQLiteSource) Update(ctx context.Context, id int64, patch domain.TaskPatch) (domain.RawRecord, error) {
	sets, args := patchColumns(patch)
	if len(sets) == 0 {
		return s.get(ctx, id)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, domain.Transient("update task", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, domain.NotFound("update task "+strconv.FormatInt(id, 10), nil)
	}
	return s.get(ctx, id)
}

// Delete removes the row with the given id.
func (s *SQLiteSource) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return domain.Transient("delete task", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NotFound("delete task "+strconv.FormatInt(id, 10), nil)
	}
	return nil
}

func (s *SQLiteSource) get(ctx context.Context, id int64) (domain.RawRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectTasks+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("get task "+strconv.FormatInt(id, 10), err)
	}
	if err != nil {
		return nil, domain.Transient("get task", err)
	}
	return rec, nil
}

func patchColumns(p domain.TaskPatch) ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Title != nil {
		add("title", *p.Title)
	}
	if p.Description != nil {
		add("description", *p.Description)
	}
	if p.Status != nil {
		add("status", string(domain.ParseStage(string(*p.Status))))
	}
	if p.Assignee != nil {
		add("assignee", *p.Assignee)
	}
	if p.Progress != nil {
		add("progress", domain.ClampProgress(*p.Progress))
	}
	if p.ClearDueDate {
		add("due_date", "")
	} else if p.DueDate != nil {
		add("due_date", formatDue(p.DueDate))
	}
	if p.ProjectID != nil {
		add("project_id", *p.ProjectID)
	}
	return sets, args
}
