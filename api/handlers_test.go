package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/board"
	"prism-board/domain"
	"prism-board/layout"
	"prism-board/storage"
)

// headerAuth treats the bearer value as the user id.
type headerAuth struct{}

func (headerAuth) UserIDFromAuthHeader(h string) (string, error) {
	user, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || user == "" {
		return "", errMissingAuthorization
	}
	return user, nil
}

type memKV struct {
	mu     sync.Mutex
	values map[string]string
}

func (m *memKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

type prefixKV struct {
	base   *memKV
	prefix string
}

func (p prefixKV) Get(ctx context.Context, key string) (string, bool, error) {
	return p.base.Get(ctx, p.prefix+key)
}

func (p prefixKV) Set(ctx context.Context, key, value string) error {
	return p.base.Set(ctx, p.prefix+key, value)
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type testServer struct {
	e        *echo.Echo
	source   *storage.SQLiteSource
	sessions *Sessions
	kv       *memKV
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	src, err := storage.OpenSQLite(":memory:", "crm")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	ctx := context.Background()
	seed := []domain.TaskDraft{
		{Title: "Call client", Status: domain.StageNewLead, Assignee: "Ana", Progress: 0},
		{Title: "Install roof", Status: domain.StageInProgress, Assignee: "Bo", Progress: 40},
		{Title: "Send invoice", Status: domain.StageCompleted, Assignee: "Ana", Progress: 100},
	}
	for _, d := range seed {
		if _, err := src.Create(ctx, "crm", d); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	logger, _ := test.NewNullLogger()
	kv := &memKV{values: map[string]string{}}
	sessions := NewSessions(src, func(user string) layout.KV {
		return prefixKV{base: kv, prefix: user + ":"}
	}, board.Options{Scopes: []string{"crm"}, Logger: logger})
	t.Cleanup(sessions.Close)

	e := echo.New()
	e.Use(GzipRequestMiddleware())
	Register(e, sessions, headerAuth{}, stubPinger{}, logger)
	return &testServer{e: e, source: src, sessions: sessions, kv: kv}
}

func (s *testServer) do(t *testing.T, user, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if user != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+user)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func titles(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.Title
	}
	return out
}

func TestRequiresAuthentication(t *testing.T) {
	s := newTestServer(t)
	expectStatus(t, s.do(t, "", http.MethodGet, "/api/tasks", ""), http.StatusUnauthorized)
	if s.sessions.Len() != 0 {
		t.Fatalf("unauthenticated request created a session")
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	expectStatus(t, s.do(t, "", http.MethodGet, "/healthz", ""), http.StatusOK)

	logger, _ := test.NewNullLogger()
	e := echo.New()
	Register(e, s.sessions, headerAuth{}, stubPinger{err: errors.New("redis down")}, logger)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	expectStatus(t, rec, http.StatusServiceUnavailable)
}

func TestGetTasksCreatesSession(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, "u1", http.MethodGet, "/api/tasks", "")
	expectStatus(t, rec, http.StatusOK)

	resp := decode[struct {
		Tasks []domain.Task `json:"tasks"`
		State string        `json:"state"`
	}](t, rec)
	if resp.State != "ready" || len(resp.Tasks) != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if _, ok := s.sessions.Lookup("u1"); !ok {
		t.Fatalf("session not registered")
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "u1", http.MethodPost, "/api/tasks?board=ops", `{"title":"  Order shingles ","status":"need_ordered","progress":10}`)
	expectStatus(t, rec, http.StatusCreated)
	created := decode[domain.Task](t, rec)
	if created.ID <= 0 || created.Title != "Order shingles" || created.BoardID != "ops" || created.Status != domain.StageNeedOrdered {
		t.Fatalf("unexpected created task: %+v", created)
	}

	path := "/api/tasks/" + strconv.FormatInt(created.ID, 10)
	rec = s.do(t, "u1", http.MethodPatch, path, `{"progress":80,"assignee":"Bo"}`)
	expectStatus(t, rec, http.StatusOK)
	updated := decode[domain.Task](t, rec)
	if updated.Progress != 80 || updated.Assignee != "Bo" || updated.Title != "Order shingles" {
		t.Fatalf("unexpected updated task: %+v", updated)
	}

	stored, err := s.source.List(context.Background(), "ops")
	if err != nil || len(stored) != 1 {
		t.Fatalf("unexpected stored records: %v %v", stored, err)
	}

	expectStatus(t, s.do(t, "u1", http.MethodDelete, path, ""), http.StatusNoContent)
	expectStatus(t, s.do(t, "u1", http.MethodDelete, path, ""), http.StatusNotFound)
	expectStatus(t, s.do(t, "u1", http.MethodPatch, path, `{"progress":1}`), http.StatusNotFound)

	tasks := decode[tasksResponse](t, s.do(t, "u1", http.MethodGet, "/api/tasks", ""))
	if len(tasks.Tasks) != 3 {
		t.Fatalf("expected 3 tasks after delete, got %d", len(tasks.Tasks))
	}
}

func TestTaskRequestValidation(t *testing.T) {
	s := newTestServer(t)
	cases := []struct {
		name, method, path, body string
		want                     int
	}{
		{"blank title", http.MethodPost, "/api/tasks", `{"title":"  "}`, http.StatusBadRequest},
		{"malformed", http.MethodPost, "/api/tasks", `{"title":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/tasks", `{"title":"x","color":"red"}`, http.StatusBadRequest},
		{"bad id", http.MethodPatch, "/api/tasks/abc", `{"progress":1}`, http.StatusBadRequest},
		{"bad delete id", http.MethodDelete, "/api/tasks/1.5", "", http.StatusBadRequest},
		{"unknown group", http.MethodPut, "/api/group", `{"groupBy":"weekday"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			expectStatus(t, s.do(t, "u1", tc.method, tc.path, tc.body), tc.want)
		})
	}
}

func TestViewFiltersSortAndGroups(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "u1", http.MethodPut, "/api/filters", `{"assignee":["Ana"]}`)
	expectStatus(t, rec, http.StatusOK)
	view := decode[viewResponse](t, rec)
	if got := titles(view.View); len(got) != 2 {
		t.Fatalf("unexpected filtered view: %v", got)
	}

	rec = s.do(t, "u1", http.MethodPut, "/api/sort", `{"sortBy":"progress","sortOrder":"desc"}`)
	expectStatus(t, rec, http.StatusOK)
	view = decode[viewResponse](t, rec)
	if got := titles(view.View); got[0] != "Send invoice" || got[1] != "Call client" {
		t.Fatalf("unexpected sorted view: %v", got)
	}

	rec = s.do(t, "u1", http.MethodPut, "/api/filters/assignee", `[]`)
	expectStatus(t, rec, http.StatusOK)
	rec = s.do(t, "u1", http.MethodPut, "/api/group", `{"groupBy":"assignee"}`)
	expectStatus(t, rec, http.StatusOK)
	view = decode[viewResponse](t, rec)
	if len(view.View) != 3 || len(view.Groups) != 2 || view.GroupBy != domain.GroupAssignee {
		t.Fatalf("unexpected grouped view: %+v", view)
	}
	if view.Groups[0].Key != "Ana" || len(view.Groups[0].Tasks) != 2 {
		t.Fatalf("unexpected first group: %+v", view.Groups[0])
	}

	rec = s.do(t, "u1", http.MethodGet, "/api/view", "")
	expectStatus(t, rec, http.StatusOK)
	if again := decode[viewResponse](t, rec); again.Version != view.Version || again.Sort.SortBy != "progress" {
		t.Fatalf("view not kept in session: %+v", again)
	}
}

func TestStatsIgnoreFilters(t *testing.T) {
	s := newTestServer(t)
	expectStatus(t, s.do(t, "u1", http.MethodPut, "/api/filters", `{"status":["completed"]}`), http.StatusOK)

	rec := s.do(t, "u1", http.MethodGet, "/api/stats", "")
	expectStatus(t, rec, http.StatusOK)
	stats := decode[struct {
		Total           int `json:"total"`
		Completed       int `json:"completed"`
		InProgress      int `json:"inProgress"`
		AverageProgress int `json:"averageProgress"`
	}](t, rec)
	if stats.Total != 3 || stats.Completed != 1 || stats.InProgress != 1 || stats.AverageProgress != 47 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestLayoutRoutes(t *testing.T) {
	s := newTestServer(t)

	cfg := domain.DefaultLayout()
	cfg.ViewType = domain.ViewKanban
	body, err := sonic.ConfigStd.MarshalToString(saveLayoutRequest{Name: "Mine", Layout: cfg})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rec := s.do(t, "u1", http.MethodPost, "/api/layouts", body)
	expectStatus(t, rec, http.StatusCreated)
	created := decode[domain.ViewConfiguration](t, rec)
	if !strings.HasPrefix(created.ID, "layout-") || created.Name != "Mine" || created.IsDefault {
		t.Fatalf("unexpected created layout: %+v", created)
	}

	layouts := decode[layoutsResponse](t, s.do(t, "u1", http.MethodGet, "/api/layouts", ""))
	if layouts.Active.ID != created.ID || len(layouts.Saved) != 2 {
		t.Fatalf("unexpected layouts: %+v", layouts)
	}
	if raw, ok, _ := s.kv.Get(context.Background(), "u1:"+layout.StorageKey); !ok || !strings.Contains(raw, created.ID) {
		t.Fatalf("layout not persisted under user namespace: %q", raw)
	}

	expectStatus(t, s.do(t, "u1", http.MethodDelete, "/api/layouts/"+domain.DefaultLayoutID, ""), http.StatusConflict)
	expectStatus(t, s.do(t, "u1", http.MethodPost, "/api/layouts", `{"name":" ","layout":{}}`), http.StatusBadRequest)

	rec = s.do(t, "u1", http.MethodPost, "/api/layouts/reset", "")
	expectStatus(t, rec, http.StatusOK)
	if got := decode[layoutsResponse](t, rec); got.Active.ID != domain.DefaultLayoutID {
		t.Fatalf("reset did not activate default: %s", got.Active.ID)
	}

	rec = s.do(t, "u1", http.MethodPost, "/api/layouts/"+created.ID+"/select", "")
	expectStatus(t, rec, http.StatusOK)
	if got := decode[layoutsResponse](t, rec); got.Active.ID != created.ID || got.Active.ViewType != domain.ViewKanban {
		t.Fatalf("select did not activate layout: %+v", got.Active)
	}

	active := created
	active.GridColumns = 4
	body, _ = sonic.ConfigStd.MarshalToString(active)
	rec = s.do(t, "u1", http.MethodPut, "/api/layouts/active", body)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[layoutsResponse](t, rec); got.Active.GridColumns != 4 {
		t.Fatalf("active layout not saved: %+v", got.Active)
	}

	expectStatus(t, s.do(t, "u1", http.MethodPut, "/api/layouts/active", `{"name":"no id"}`), http.StatusBadRequest)
	if got := decode[layoutsResponse](t, s.do(t, "u1", http.MethodGet, "/api/layouts", "")); len(got.Saved) != 2 || got.Active.ID != created.ID {
		t.Fatalf("rejected layout changed state: %+v", got)
	}

	expectStatus(t, s.do(t, "u1", http.MethodDelete, "/api/layouts/"+created.ID, ""), http.StatusOK)
	expectStatus(t, s.do(t, "u1", http.MethodDelete, "/api/layouts/"+created.ID, ""), http.StatusNotFound)
	expectStatus(t, s.do(t, "u1", http.MethodPost, "/api/layouts/missing/select", ""), http.StatusNotFound)
}

func TestSessionsArePerUser(t *testing.T) {
	s := newTestServer(t)
	expectStatus(t, s.do(t, "u1", http.MethodPut, "/api/filters", `{"assignee":["Bo"]}`), http.StatusOK)

	other := decode[viewResponse](t, s.do(t, "u2", http.MethodGet, "/api/view", ""))
	if len(other.View) != 3 || len(other.Filters) != 0 {
		t.Fatalf("filters leaked across sessions: %+v", other.Filters)
	}
	if s.sessions.Len() != 2 {
		t.Fatalf("expected two sessions, got %d", s.sessions.Len())
	}
}

func TestDeleteSession(t *testing.T) {
	s := newTestServer(t)
	expectStatus(t, s.do(t, "u1", http.MethodPut, "/api/filters", `{"assignee":["Bo"]}`), http.StatusOK)
	ctrl, _ := s.sessions.Lookup("u1")

	expectStatus(t, s.do(t, "u1", http.MethodDelete, "/api/session", ""), http.StatusNoContent)
	expectStatus(t, s.do(t, "u1", http.MethodDelete, "/api/session", ""), http.StatusNotFound)
	if err := ctrl.Refresh(context.Background()); !errors.Is(err, board.ErrClosed) {
		t.Fatalf("ended session still usable: %v", err)
	}

	fresh := decode[viewResponse](t, s.do(t, "u1", http.MethodGet, "/api/view", ""))
	if len(fresh.Filters) != 0 {
		t.Fatalf("new session inherited filters: %+v", fresh.Filters)
	}
}

func TestRefreshPicksUpExternalWrites(t *testing.T) {
	s := newTestServer(t)
	expectStatus(t, s.do(t, "u1", http.MethodGet, "/api/tasks", ""), http.StatusOK)
	if _, err := s.source.Create(context.Background(), "crm", domain.TaskDraft{Title: "External"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := s.do(t, "u1", http.MethodPost, "/api/refresh", "")
	expectStatus(t, rec, http.StatusOK)
	snap := decode[struct {
		Tasks []domain.Task `json:"tasks"`
	}](t, rec)
	if len(snap.Tasks) != 4 {
		t.Fatalf("refresh missed external write: %v", titles(snap.Tasks))
	}
}

func TestGzipRequestBody(t *testing.T) {
	s := newTestServer(t)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(`{"title":"Zipped"}`))
	_ = zw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", &buf)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	req.Header.Set(echo.HeaderAuthorization, "Bearer u1")
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusCreated)

	req = httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader("not gzip"))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	req.Header.Set(echo.HeaderAuthorization, "Bearer u1")
	rec = httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestErrorStatus(t *testing.T) {
	cases := map[error]int{
		domain.ErrValidation:                      http.StatusBadRequest,
		domain.NotFound("get", nil):               http.StatusNotFound,
		domain.ErrDefaultLayout:                   http.StatusConflict,
		board.ErrClosed:                           http.StatusConflict,
		domain.Transient("list", errors.New("x")): http.StatusServiceUnavailable,
		errors.New("other"):                       http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := errorStatus(err); got != want {
			t.Fatalf("%v: expected %d got %d", err, want, got)
		}
	}
}
