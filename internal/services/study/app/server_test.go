package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/reprohum/studypool/internal/services/study/dataset"
	"github.com/reprohum/studypool/internal/services/study/engine"
	"github.com/reprohum/studypool/internal/services/study/metrics"
	"github.com/reprohum/studypool/internal/services/study/storage"
	studysqlite "github.com/reprohum/studypool/internal/services/study/storage/sqlite"
)

const testTemplate = `<html><body><p>${question}</p><div>${task_id}</div></body></html>`

type testEnv struct {
	handler http.Handler
	store   *studysqlite.Store
	clock   *time.Time
}

func newTestEnv(t *testing.T, quota int, timeLimit time.Duration, replicasPerTask map[int]int) *testEnv {
	t.Helper()

	store, err := studysqlite.Open(filepath.Join(t.TempDir(), "study.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})

	var replicas []storage.TaskRecord
	for number, count := range replicasPerTask {
		for i := 0; i < count; i++ {
			replicas = append(replicas, storage.TaskRecord{
				ID:         fmt.Sprintf("%02d-%d", number, i),
				TaskNumber: number,
			})
		}
	}
	if err := store.InsertReplicas(context.Background(), replicas, false); err != nil {
		t.Fatalf("seed replicas: %v", err)
	}

	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	clock := &now
	eng, err := engine.New(store, quota, timeLimit, engine.WithClock(func() time.Time { return *clock }))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	csvPath := filepath.Join(t.TempDir(), "data.csv")
	if err := os.WriteFile(csvPath, []byte("question\nRate summary one\nRate summary two\n"), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	ds, err := dataset.Load(csvPath)
	if err != nil {
		t.Fatalf("load dataset: %v", err)
	}

	handler, err := NewHandler(eng, ds, testTemplate, "study-test", "", metrics.NewCollector())
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return &testEnv{handler: handler, store: store, clock: clock}
}

var taskIDPattern = regexp.MustCompile(`name="task_id" value="([^"]+)"`)

func (e *testEnv) allocate(t *testing.T, participant, session string) (string, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest("GET", "/study/?PROLIFIC_PID="+participant+"&SESSION_ID="+session, nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		return "", rec
	}
	match := taskIDPattern.FindStringSubmatch(rec.Body.String())
	if match == nil {
		t.Fatalf("no task_id hidden field in response:\n%s", rec.Body.String())
	}
	return match[1], rec
}

func (e *testEnv) submit(t *testing.T, taskID, participant string) *httptest.ResponseRecorder {
	t.Helper()
	body := fmt.Sprintf(`{"task_id":%q,"prolific_pid":%q,"answer":"fine"}`, taskID, participant)
	req := httptest.NewRequest("POST", "/submit", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestStudyRendersAllocatedTask(t *testing.T) {
	env := newTestEnv(t, 3, time.Hour, map[int]int{1: 3, 2: 3})

	taskID, rec := env.allocate(t, "p1", "s1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Rate summary one") {
		t.Fatalf("rendered body missing dataset content:\n%s", body)
	}
	if !strings.Contains(body, "<div>"+taskID+"</div>") {
		t.Fatalf("rendered body missing substituted task id:\n%s", body)
	}
	if !strings.Contains(body, `name="prolific_pid" value="p1"`) {
		t.Fatalf("rendered body missing participant hidden field:\n%s", body)
	}
	if !strings.Contains(body, `name="study_id" value="study-test"`) {
		t.Fatalf("rendered body missing study hidden field:\n%s", body)
	}
}

func TestStudyRequiresProlificParams(t *testing.T) {
	env := newTestEnv(t, 3, time.Hour, map[int]int{1: 1})

	req := httptest.NewRequest("GET", "/study/", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStudyReturnsSameTaskOnRefresh(t *testing.T) {
	env := newTestEnv(t, 3, time.Hour, map[int]int{1: 3, 2: 3})

	first, _ := env.allocate(t, "p1", "s1")
	second, _ := env.allocate(t, "p1", "s1")
	if first != second {
		t.Fatalf("refresh returned a different task: %q then %q", first, second)
	}
}

func TestStudyExhaustionReturns503(t *testing.T) {
	env := newTestEnv(t, 1, time.Hour, map[int]int{1: 1})

	if _, rec := env.allocate(t, "p1", "s1"); rec.Code != http.StatusOK {
		t.Fatalf("first allocation status = %d", rec.Code)
	}
	_, rec := env.allocate(t, "p2", "s2")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "No tasks available") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestSubmitRecordsResult(t *testing.T) {
	env := newTestEnv(t, 3, time.Hour, map[int]int{1: 3})

	taskID, _ := env.allocate(t, "p1", "s1")
	rec := env.submit(t, taskID, "p1")
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d: %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest("GET", "/results/"+taskID, nil)
	resultRec := httptest.NewRecorder()
	env.handler.ServeHTTP(resultRec, req)
	if resultRec.Code != http.StatusOK {
		t.Fatalf("result status = %d", resultRec.Code)
	}
	var view struct {
		TaskID        string          `json:"task_id"`
		ParticipantID string          `json:"participant_id"`
		Payload       json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(resultRec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if view.TaskID != taskID || view.ParticipantID != "p1" {
		t.Fatalf("result view = %+v", view)
	}
	if !strings.Contains(string(view.Payload), `"answer":"fine"`) {
		t.Fatalf("payload = %s", view.Payload)
	}
}

func TestSubmitRejectsWrongParticipant(t *testing.T) {
	env := newTestEnv(t, 3, time.Hour, map[int]int{1: 3})

	taskID, _ := env.allocate(t, "p1", "s1")
	rec := env.submit(t, taskID, "p2")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	req := httptest.NewRequest("GET", "/results/"+taskID, nil)
	resultRec := httptest.NewRecorder()
	env.handler.ServeHTTP(resultRec, req)
	if resultRec.Code != http.StatusNotFound {
		t.Fatalf("result status = %d, want 404 after rejected submit", resultRec.Code)
	}
}

func TestSubmitTwiceReturnsConflict(t *testing.T) {
	env := newTestEnv(t, 3, time.Hour, map[int]int{1: 3})

	taskID, _ := env.allocate(t, "p1", "s1")
	if rec := env.submit(t, taskID, "p1"); rec.Code != http.StatusOK {
		t.Fatalf("first submit status = %d", rec.Code)
	}
	rec := env.submit(t, taskID, "p1")
	if rec.Code != http.StatusConflict {
		t.Fatalf("second submit status = %d, want 409", rec.Code)
	}
}

func TestSubmitRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t, 3, time.Hour, map[int]int{1: 1})

	req := httptest.NewRequest("POST", "/submit", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest("POST", "/submit", strings.NewReader(`{"prolific_pid":"p1"}`))
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing task_id", rec.Code)
	}
}

func TestRowPreviewDoesNotAllocate(t *testing.T) {
	env := newTestEnv(t, 3, time.Hour, map[int]int{1: 1})

	req := httptest.NewRequest("GET", "/row/2", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "Rate summary two") {
		t.Fatalf("preview body = %q", rec.Body.String())
	}

	counts, err := env.store.CountTasksByStatus(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[storage.StatusAllocated] != 0 {
		t.Fatalf("allocated = %d, want 0 after preview", counts[storage.StatusAllocated])
	}
}

func TestTasksSnapshot(t *testing.T) {
	env := newTestEnv(t, 3, time.Hour, map[int]int{1: 2})
	env.allocate(t, "p1", "s1")

	req := httptest.NewRequest("GET", "/tasks", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var views []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode tasks: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("tasks len = %d, want 2", len(views))
	}
	statuses := map[string]int{}
	for _, view := range views {
		statuses[view.Status]++
	}
	if statuses["allocated"] != 1 || statuses["waiting"] != 1 {
		t.Fatalf("statuses = %v", statuses)
	}
}

func TestManualExpireRoute(t *testing.T) {
	env := newTestEnv(t, 3, time.Hour, map[int]int{1: 1})

	taskID, _ := env.allocate(t, "p1", "s1")
	*env.clock = env.clock.Add(2 * time.Hour)

	req := httptest.NewRequest("GET", "/expire", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode expire response: %v", err)
	}
	if payload["expired"] != 1 {
		t.Fatalf("expired = %d, want 1", payload["expired"])
	}

	// The reclaimed replica is assignable again.
	next, allocRec := env.allocate(t, "p2", "s2")
	if allocRec.Code != http.StatusOK {
		t.Fatalf("reallocation status = %d", allocRec.Code)
	}
	if next != taskID {
		t.Fatalf("reallocated %q, want %q", next, taskID)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, 3, time.Hour, map[int]int{1: 1})

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestStaticRouteServesAssets(t *testing.T) {
	staticDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(staticDir, "submit.js"), []byte("console.log('ok');"), 0o644); err != nil {
		t.Fatalf("write asset: %v", err)
	}

	env := newTestEnv(t, 3, time.Hour, map[int]int{1: 1})
	store := env.store
	eng, err := engine.New(store, 3, time.Hour)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	csvPath := filepath.Join(t.TempDir(), "data.csv")
	if err := os.WriteFile(csvPath, []byte("question\nRate summary one\n"), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	ds, err := dataset.Load(csvPath)
	if err != nil {
		t.Fatalf("load dataset: %v", err)
	}
	handler, err := NewHandler(eng, ds, testTemplate, "study-test", staticDir, metrics.NewCollector())
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	req := httptest.NewRequest("GET", "/static/submit.js", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "console.log") {
		t.Fatalf("asset body = %q", rec.Body.String())
	}

	// Without a configured static dir the route does not exist.
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/static/submit.js", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status without static dir = %d, want 404", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, 3, time.Hour, map[int]int{1: 1})
	env.allocate(t, "p1", "s1")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "study_allocations_served_total 1") {
		t.Fatalf("metrics body missing allocation counter:\n%s", rec.Body.String())
	}
}
