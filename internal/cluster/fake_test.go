package cluster

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

const testToken = "tok-123"

// fakeCluster is an in-memory cluster API.
type fakeCluster struct {
	mu        sync.Mutex
	health    int
	healthErr errorBody
	createErr *errorBody
	nextID    int
	envs      map[string]envObject
	tasks     map[string]*taskObject
	logs      map[string][]byte
	files     map[string]map[string]fileObject
	deletes   int
	cancels   []string
	lastTask  taskRequest
}

func newFakeCluster(t *testing.T) (*fakeCluster, *httptest.Server) {
	t.Helper()
	f := &fakeCluster{
		health: http.StatusOK,
		envs:   make(map[string]envObject),
		tasks:  make(map[string]*taskObject),
		logs:   make(map[string][]byte),
		files:  make(map[string]map[string]fileObject),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", f.handleHealth)
	mux.HandleFunc("POST /v1/environments", f.handleCreate)
	mux.HandleFunc("GET /v1/environments", f.handleList)
	mux.HandleFunc("GET /v1/environments/{id}", f.handleGet)
	mux.HandleFunc("DELETE /v1/environments/{id}", f.handleDelete)
	mux.HandleFunc("POST /v1/environments/{id}/tasks", f.handleSubmit)
	mux.HandleFunc("GET /v1/environments/{id}/tasks/{task}", f.handleTask)
	mux.HandleFunc("POST /v1/environments/{id}/tasks/{task}/cancel", f.handleCancel)
	mux.HandleFunc("GET /v1/environments/{id}/tasks/{task}/logs", f.handleLogs)
	mux.HandleFunc("PUT /v1/environments/{id}/files", f.handlePutFiles)
	mux.HandleFunc("POST /v1/environments/{id}/files/download", f.handleGetFiles)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			writeError(w, http.StatusUnauthorized, "unauthorized", "bad token")
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

func (f *fakeCluster) handleHealth(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.health != http.StatusOK {
		writeJSON(w, f.health, f.healthErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (f *fakeCluster) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req envRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		writeJSON(w, http.StatusServiceUnavailable, f.createErr)
		return
	}
	f.nextID++
	obj := envObject{
		ID:        "env-" + strconv.Itoa(f.nextID),
		Status:    "ACTIVE",
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Metadata:  map[string]string{"repository": req.Repository},
	}
	f.envs[obj.ID] = obj
	f.files[obj.ID] = make(map[string]fileObject)
	writeJSON(w, http.StatusCreated, obj)
}

func (f *fakeCluster) handleList(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := struct {
		Environments []envObject `json:"environments"`
	}{}
	for _, e := range f.envs {
		out.Environments = append(out.Environments, e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *fakeCluster) handleGet(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.envs[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such environment")
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (f *fakeCluster) handleDelete(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := f.envs[id]; !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such environment")
		return
	}
	delete(f.envs, id)
	f.deletes++
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeCluster) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	envID := r.PathValue("id")
	if _, ok := f.envs[envID]; !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such environment")
		return
	}
	f.lastTask = req
	obj := &taskObject{ID: req.ID, EnvironmentID: envID, Status: "RUNNING", StartedAt: time.Now().UTC()}
	f.tasks[req.ID] = obj
	writeJSON(w, http.StatusAccepted, obj)
}

func (f *fakeCluster) task(w http.ResponseWriter, r *http.Request) (*taskObject, bool) {
	obj, ok := f.tasks[r.PathValue("task")]
	if !ok || obj.EnvironmentID != r.PathValue("id") {
		writeError(w, http.StatusNotFound, "not_found", "no such task")
		return nil, false
	}
	return obj, true
}

func (f *fakeCluster) handleTask(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if obj, ok := f.task(w, r); ok {
		writeJSON(w, http.StatusOK, obj)
	}
}

func (f *fakeCluster) handleCancel(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.task(w, r)
	if !ok {
		return
	}
	if mapTaskStatus(obj.Status).IsTerminal() {
		writeError(w, http.StatusConflict, "task_finished", "task already finished")
		return
	}
	f.cancels = append(f.cancels, obj.ID)
	obj.Status = "CANCELED"
	now := time.Now().UTC()
	obj.FinishedAt = &now
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeCluster) handleLogs(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.task(w, r)
	if !ok {
		return
	}
	offset, err := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	data := f.logs[obj.ID]
	size := int64(len(data))
	page := logPage{NextOffset: size, Done: mapTaskStatus(obj.Status).IsTerminal()}
	if offset >= 0 && offset < size {
		page.Data = data[offset:]
	}
	writeJSON(w, http.StatusOK, page)
}

func (f *fakeCluster) handlePutFiles(w http.ResponseWriter, r *http.Request) {
	var body filesBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fs, ok := f.files[r.PathValue("id")]
	if !ok || f.envs[r.PathValue("id")].ID == "" {
		writeError(w, http.StatusNotFound, "not_found", "no such environment")
		return
	}
	for _, file := range body.Files {
		fs[file.Path] = file
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeCluster) handleGetFiles(w http.ResponseWriter, r *http.Request) {
	var body pathsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fs, ok := f.files[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such environment")
		return
	}
	var out filesBody
	for _, p := range body.Paths {
		file, ok := fs[p]
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no such file %s", p))
			return
		}
		out.Files = append(out.Files, file)
	}
	writeJSON(w, http.StatusOK, out)
}

// finish moves a task to a terminal remote status.
func (f *fakeCluster) finish(taskID, status string, exitCode int, output string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.tasks[taskID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	obj.Status, obj.ExitCode, obj.Output, obj.FinishedAt = status, exitCode, output, &now
}

func (f *fakeCluster) appendLog(taskID, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[taskID] = append(f.logs[taskID], data...)
}

func (f *fakeCluster) hasTask(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tasks[taskID]
	return ok
}

func (f *fakeCluster) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes
}

func (f *fakeCluster) submitted() taskRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTask
}

// awaitTask blocks until the task has been submitted. It is safe to call
// from goroutines other than the test's.
func (f *fakeCluster) awaitTask(taskID string) {
	for !f.hasTask(taskID) {
		time.Sleep(time.Millisecond)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
