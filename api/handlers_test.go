package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"canvas-sync/domain"
	"canvas-sync/storage"
	"canvas-sync/store"
)

func newTestAPI(t *testing.T, cache SnapshotCache) (*echo.Echo, *store.Manager) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	m := store.NewManager(logger, nil, nil, 64)
	t.Cleanup(m.Close)
	e := echo.New()
	Register(e, m, cache, logger)
	return e, m
}

func doRequest(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestTaskLifecycle(t *testing.T) {
	e, _ := newTestAPI(t, nil)

	rec := doRequest(e, http.MethodPost, "/api/boards/b1/tasks", `{"title":"write docs"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	var created domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.ID == "" || created.Status != domain.StatusTodo {
		t.Fatalf("unexpected task %+v", created)
	}

	rec = doRequest(e, http.MethodGet, "/api/boards/b1/tasks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body)
	}
	var listed tasksResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listed.Revision != 1 || len(listed.Tasks) != 1 {
		t.Fatalf("unexpected list %+v", listed)
	}

	rec = doRequest(e, http.MethodPatch, "/api/boards/b1/tasks/"+created.ID, `{"status":"inprogress"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: %d %s", rec.Code, rec.Body)
	}
	var updated domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode updated: %v", err)
	}
	if updated.Status != domain.StatusInProgress {
		t.Fatalf("unexpected status %s", updated.Status)
	}

	rec = doRequest(e, http.MethodDelete, "/api/boards/b1/tasks/"+created.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body)
	}

	rec = doRequest(e, http.MethodGet, "/api/boards/b1/tasks", "")
	listed = tasksResponse{}
	if err := sonic.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listed.Revision != 3 || len(listed.Tasks) != 0 {
		t.Fatalf("unexpected final list %+v", listed)
	}
}

func TestMutationErrorMapping(t *testing.T) {
	e, _ := newTestAPI(t, nil)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"empty title", http.MethodPost, "/api/boards/b1/tasks", `{"title":""}`, http.StatusBadRequest},
		{"unknown body field", http.MethodPost, "/api/boards/b1/tasks", `{"title":"x","owner":"me"}`, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/api/boards/b1/tasks", `{"title"`, http.StatusBadRequest},
		{"bad status", http.MethodPost, "/api/boards/b1/tasks", `{"title":"x","status":"archived"}`, http.StatusBadRequest},
		{"patch missing task", http.MethodPatch, "/api/boards/b1/tasks/nope", `{"title":"y"}`, http.StatusNotFound},
		{"delete missing task", http.MethodDelete, "/api/boards/b1/tasks/nope", "", http.StatusNotFound},
	}
	for _, c := range cases {
		rec := doRequest(e, c.method, c.path, c.body)
		if rec.Code != c.want {
			t.Errorf("%s: got %d, want %d (%s)", c.name, rec.Code, c.want, rec.Body)
		}
	}
}

func TestRejectedMutationLeavesBoardUntouched(t *testing.T) {
	e, m := newTestAPI(t, nil)

	doRequest(e, http.MethodPost, "/api/boards/b1/tasks", `{"title":"keep"}`)
	doRequest(e, http.MethodDelete, "/api/boards/b1/tasks/nope", "")

	st, err := m.Board(context.Background(), "b1")
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	tasks, rev := st.Snapshot()
	if rev != 1 || len(tasks) != 1 {
		t.Fatalf("rejected delete must not change state: rev=%d tasks=%d", rev, len(tasks))
	}
}

func TestGetTasksServesAndInvalidatesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := storage.NewCache(client, time.Minute)

	logger, _ := test.NewNullLogger()
	m := store.NewManager(logger, nil, cacheEvictingSyncer{cache}, 64)
	t.Cleanup(m.Close)
	e := echo.New()
	Register(e, m, cache, logger)

	doRequest(e, http.MethodPost, "/api/boards/b1/tasks", `{"title":"first"}`)

	rec := doRequest(e, http.MethodGet, "/api/boards/b1/tasks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	if _, ok := cache.Get(context.Background(), "b1"); !ok {
		t.Fatal("expected snapshot cached after first read")
	}

	// Served from cache while nothing changed.
	again := doRequest(e, http.MethodGet, "/api/boards/b1/tasks", "")
	if again.Body.String() != rec.Body.String() {
		t.Fatal("cached read should repeat the stored payload")
	}

	// A mutation evicts the entry so the next read reflects the new state.
	doRequest(e, http.MethodPost, "/api/boards/b1/tasks", `{"title":"second"}`)
	if _, ok := cache.Get(context.Background(), "b1"); ok {
		t.Fatal("expected cache evicted after mutation")
	}
	fresh := doRequest(e, http.MethodGet, "/api/boards/b1/tasks", "")
	var listed tasksResponse
	if err := sonic.Unmarshal(fresh.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listed.Revision != 2 || len(listed.Tasks) != 2 {
		t.Fatalf("unexpected fresh list %+v", listed)
	}
}

// cacheEvictingSyncer drops cached snapshots on mutations without any
// durable backend behind it.
type cacheEvictingSyncer struct {
	cache *storage.Cache
}

func (s cacheEvictingSyncer) TaskUpserted(board string, t domain.Task) {
	s.cache.Evict(context.Background(), board)
}

func (s cacheEvictingSyncer) TaskDeleted(board, id string) {
	s.cache.Evict(context.Background(), board)
}

func (s cacheEvictingSyncer) PatchPublished(board string, revision uint64, envelope []byte) {}

func TestStreamMetricsAggregation(t *testing.T) {
	e, _ := newTestAPI(t, nil)

	doRequest(e, http.MethodPost, "/api/boards/a/tasks", `{"title":"one"}`)
	doRequest(e, http.MethodPost, "/api/boards/b/tasks", `{"title":"two"}`)
	doRequest(e, http.MethodPost, "/api/boards/b/tasks", `{"title":"three"}`)

	rec := doRequest(e, http.MethodGet, "/ws/canvas/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	var resp streamMetricsResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if len(resp.Boards) != 2 || resp.Boards[0].Board != "a" || resp.Boards[1].Board != "b" {
		t.Fatalf("unexpected boards %+v", resp.Boards)
	}
	if resp.EnvelopesSent != 3 {
		t.Fatalf("expected 3 published envelopes, got %d", resp.EnvelopesSent)
	}
	if resp.ActiveConnections != 0 {
		t.Fatalf("expected no sessions, got %d", resp.ActiveConnections)
	}
}

func TestHealthz(t *testing.T) {
	e, _ := newTestAPI(t, nil)
	if rec := doRequest(e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}
