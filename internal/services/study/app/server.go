// Package app hosts the participant-facing HTTP surface and the expiry
// sweeper for one study deployment.
package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/reprohum/studypool/internal/services/study/dataset"
	"github.com/reprohum/studypool/internal/services/study/engine"
	"github.com/reprohum/studypool/internal/services/study/interfacetmpl"
	"github.com/reprohum/studypool/internal/services/study/metrics"
	"github.com/reprohum/studypool/internal/services/study/storage"
)

type handler struct {
	studyID  string
	template string
	dataset  *dataset.Dataset
	engine   *engine.Engine
	metrics  *metrics.Collector
}

// NewHandler assembles the study HTTP routes.
//
// The participant entrypoint mirrors the Prolific URL contract: the
// platform redirects participants to /study/ with PROLIFIC_PID and
// SESSION_ID query parameters, and the rendered interface posts its
// answers back to /submit. A non-empty staticDir is served under
// /static/ for templates that reference bundled scripts or styles.
func NewHandler(eng *engine.Engine, ds *dataset.Dataset, template, studyID, staticDir string, collector *metrics.Collector) (http.Handler, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if ds == nil {
		return nil, fmt.Errorf("dataset is required")
	}
	if strings.TrimSpace(template) == "" {
		return nil, fmt.Errorf("interface template is required")
	}

	h := &handler{
		studyID:  strings.TrimSpace(studyID),
		template: template,
		dataset:  ds,
		engine:   eng,
		metrics:  collector,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /study/", h.handleStudy)
	mux.HandleFunc("POST /submit", h.handleSubmit)
	mux.HandleFunc("GET /row/{number}", h.handleRow)
	mux.HandleFunc("GET /tasks", h.handleTasks)
	mux.HandleFunc("GET /results/{id}", h.handleResult)
	mux.HandleFunc("GET /expire", h.handleExpire)
	if collector != nil {
		mux.Handle("GET /metrics", collector.Handler())
	}
	if staticDir = strings.TrimSpace(staticDir); staticDir != "" {
		mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(staticDir))))
	}
	return mux, nil
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleStudy allocates (or resumes) a task for the arriving
// participant and renders the interface for the task's dataset row.
func (h *handler) handleStudy(w http.ResponseWriter, r *http.Request) {
	participantID := strings.TrimSpace(r.URL.Query().Get("PROLIFIC_PID"))
	sessionID := strings.TrimSpace(r.URL.Query().Get("SESSION_ID"))
	if participantID == "" || sessionID == "" {
		http.Error(w, "PROLIFIC_PID and SESSION_ID are required parameters.", http.StatusBadRequest)
		return
	}

	allocation, err := h.engine.Allocate(r.Context(), participantID, sessionID)
	if errors.Is(err, storage.ErrNoTasksAvailable) {
		h.metrics.AllocationExhausted()
		http.Error(w, "No tasks available", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		log.Printf("allocate task for %s: %v", participantID, err)
		http.Error(w, "Database error - please try again, if the problem persists contact us.", http.StatusInternalServerError)
		return
	}

	row, err := h.dataset.Row(allocation.TaskNumber)
	if err != nil {
		log.Printf("dataset row for task %d: %v", allocation.TaskNumber, err)
		http.Error(w, "Task content unavailable", http.StatusInternalServerError)
		return
	}

	h.metrics.AllocationServed()
	h.refreshTaskGauges(r)

	page := interfacetmpl.Render(h.template, row, allocation.TaskID)
	page += interfacetmpl.HiddenFields(interfacetmpl.SubmissionContext{
		ParticipantID: participantID,
		SessionID:     sessionID,
		StudyID:       h.studyID,
		TaskID:        allocation.TaskID,
	})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(page))
}

type submission struct {
	TaskID        string `json:"task_id"`
	ParticipantID string `json:"prolific_pid"`
}

// handleSubmit records a completed task. The full JSON body is stored
// as the result payload; only task_id and prolific_pid are inspected.
func (h *handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"result": "submission must be JSON"})
		return
	}
	var sub submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"result": "submission must be a JSON object"})
		return
	}
	if strings.TrimSpace(sub.TaskID) == "" || strings.TrimSpace(sub.ParticipantID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"result": "task_id and prolific_pid are required"})
		return
	}

	err := h.engine.Complete(r.Context(), sub.TaskID, string(raw), sub.ParticipantID)
	switch {
	case errors.Is(err, storage.ErrNotAllocated):
		h.metrics.CompletionRejected()
		writeJSON(w, http.StatusForbidden, map[string]string{"result": "Something went wrong? Is this your task?"})
		return
	case errors.Is(err, storage.ErrAlreadyCompleted):
		h.metrics.CompletionRejected()
		writeJSON(w, http.StatusConflict, map[string]string{"result": "This task was already submitted."})
		return
	case err != nil:
		log.Printf("complete task %s: %v", sub.TaskID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"result": "Database error - please try again."})
		return
	}

	h.metrics.CompletionRecorded()
	h.refreshTaskGauges(r)
	writeJSON(w, http.StatusOK, map[string]string{"result": "OK"})
}

// handleRow renders one dataset row without allocating anything.
// Operators use it to preview the interface.
func (h *handler) handleRow(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil {
		http.Error(w, "row number must be an integer", http.StatusBadRequest)
		return
	}
	row, err := h.dataset.Row(number)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	page := interfacetmpl.Render(h.template, row, "preview-"+strconv.Itoa(number))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(page))
}

type taskView struct {
	ID            string `json:"id"`
	TaskNumber    int    `json:"task_number"`
	ParticipantID string `json:"participant_id,omitempty"`
	AllocatedAt   string `json:"allocated_at,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	Status        string `json:"status"`
}

// handleTasks returns the full replica snapshot for operators.
func (h *handler) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.engine.ListTasks(r.Context())
	if err != nil {
		log.Printf("list tasks: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, task := range tasks {
		view := taskView{
			ID:            task.ID,
			TaskNumber:    task.TaskNumber,
			ParticipantID: task.ParticipantID,
			SessionID:     task.SessionID,
			Status:        string(task.Status),
		}
		if task.AllocatedAt != nil {
			view.AllocatedAt = task.AllocatedAt.Format("2006-01-02T15:04:05.000Z07:00")
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

type resultView struct {
	TaskID        string          `json:"task_id"`
	ParticipantID string          `json:"participant_id"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     string          `json:"created_at"`
}

// handleResult returns the stored submission for one replica.
func (h *handler) handleResult(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.Result(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "no result found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("get result: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	payload := json.RawMessage(result.Payload)
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(result.Payload)
		payload = quoted
	}
	writeJSON(w, http.StatusOK, resultView{
		TaskID:        result.TaskID,
		ParticipantID: result.ParticipantID,
		Payload:       payload,
		CreatedAt:     result.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	})
}

// handleExpire triggers one sweep outside the timer, so operators can
// reclaim abandoned tasks on demand.
func (h *handler) handleExpire(w http.ResponseWriter, r *http.Request) {
	expired, err := h.engine.Expire(r.Context())
	if err != nil {
		log.Printf("manual expiry sweep: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	h.metrics.TasksExpired(expired)
	h.refreshTaskGauges(r)
	writeJSON(w, http.StatusOK, map[string]int{"expired": expired})
}

// refreshTaskGauges updates the lifecycle gauges after a mutation.
// Gauge staleness is tolerable, so failures only log.
func (h *handler) refreshTaskGauges(r *http.Request) {
	if h.metrics == nil {
		return
	}
	counts, err := h.engine.CountTasksByStatus(r.Context())
	if err != nil {
		log.Printf("refresh task gauges: %v", err)
		return
	}
	h.metrics.SetTaskCounts(counts)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.Printf("encode response: %v", err)
	}
}
