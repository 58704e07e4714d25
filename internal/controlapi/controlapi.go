// Package controlapi exposes the language-neutral Control API
// over HTTP using plain chi handlers and a writeJSON helper, rather than
// a generated OpenAPI surface, since Loom has no codegen'd spec of its
// own.
package controlapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loom-run/loom/internal/registry"
	"github.com/loom-run/loom/internal/store"
	"github.com/loom-run/loom/internal/worker"
	"github.com/loom-run/loom/internal/workflow"
)

// API wires the Control API's handlers against a store, registry, and an
// embedded worker pool used for run_once.
type API struct {
	Store    store.Store
	Registry *registry.Registry
	Pool     *worker.Pool
	Now      func() time.Time
}

// Router builds the chi mux exposing every Control API operation.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/workflows", a.start)
	r.Get("/workflows", a.list)
	r.Get("/workflows/{id}", a.inspect)
	r.Get("/workflows/{id}/status", a.status)
	r.Get("/workflows/{id}/result", a.result)
	r.Post("/workflows/{id}/signal", a.signal)
	r.Post("/workflows/{id}/cancel", a.cancel)
	r.Post("/run-once", a.runOnce)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *API) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

type startRequest struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Input        json.RawMessage `json:"input"`
	InitialState json.RawMessage `json:"initial_state"`
}

type startResponse struct {
	ID string `json:"id"`
}

// start implements `start(workflow_name, version, input, initial_state)`.
func (a *API) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	def, ok := a.Registry.GetWorkflow(req.Name, req.Version)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no registered workflow definition for %s@%s", req.Name, req.Version))
		return
	}

	id := uuid.New().String()
	taskID, err := store.NewTaskID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	initialTask := store.Task{
		ID:          taskID,
		WorkflowID:  id,
		Kind:        workflow.TaskStep,
		Target:      def.Steps[0].Name,
		RunAt:       a.now(),
		MaxAttempts: store.DefaultStepMaxAttempts(),
	}
	if err := a.Store.CreateWorkflow(r.Context(), id, req.Name, req.Version, "", req.Input, req.InitialState, initialTask); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, startResponse{ID: id})
}

// list implements `list(status_filter, limit)`.
func (a *API) list(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("status")
	limit := 100
	if lq := r.URL.Query().Get("limit"); lq != "" {
		if n, err := parsePositiveInt(lq); err == nil {
			limit = n
		}
	}
	rows, err := a.Store.ListWorkflows(r.Context(), filter, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type inspectResponse struct {
	Workflow *store.WorkflowRow `json:"workflow"`
	Events   []workflow.Event   `json:"events"`
}

// inspect implements `inspect(workflow_id) -> (row, events)`.
func (a *API) inspect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row, err := a.Store.GetWorkflow(r.Context(), id)
	if err != nil {
		a.notFoundOrError(w, err)
		return
	}
	events, err := a.Store.LoadHistory(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, inspectResponse{Workflow: row, Events: events})
}

// status implements `handle.status()`.
func (a *API) status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row, err := a.Store.GetWorkflow(r.Context(), id)
	if err != nil {
		a.notFoundOrError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(row.Status)})
}

// result implements `handle.result()`: blocks (with a bounded poll) until
// the workflow reaches a terminal state, then returns its final state or
// its failure reason.
func (a *API) result(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		row, err := a.Store.GetWorkflow(ctx, id)
		if err != nil {
			a.notFoundOrError(w, err)
			return
		}
		switch row.Status {
		case store.StatusCompleted, store.StatusFailed, store.StatusCancelled:
			events, err := a.Store.LoadHistory(ctx, id)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, terminalResult(row, events))
			return
		}
		select {
		case <-ctx.Done():
			writeError(w, http.StatusGatewayTimeout, ctx.Err())
			return
		case <-ticker.C:
		}
	}
}

func terminalResult(row *store.WorkflowRow, events []workflow.Event) map[string]any {
	out := map[string]any{"status": string(row.Status)}
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].Type {
		case workflow.EventWorkflowCompleted:
			var p workflow.WorkflowCompletedPayload
			_ = events[i].Decode(&p)
			out["final_state"] = p.FinalState
			return out
		case workflow.EventWorkflowFailed:
			var p workflow.WorkflowFailedPayload
			_ = events[i].Decode(&p)
			out["error"] = p.Error
			return out
		case workflow.EventWorkflowCancelled:
			var p workflow.WorkflowCancelledPayload
			_ = events[i].Decode(&p)
			out["reason"] = p.Reason
			return out
		}
	}
	return out
}

type signalRequest struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// signal implements `handle.signal(name, payload)`.
func (a *API) signal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.Store.AppendSignal(r.Context(), id, req.Name, req.Payload); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// cancel implements `handle.cancel(reason)`.
func (a *API) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := a.Store.Cancel(r.Context(), id, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runOnce implements `run_once()`: a single task dispatch, for embedded
// and test use.
func (a *API) runOnce(w http.ResponseWriter, r *http.Request) {
	ran, err := a.Pool.RunOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ran": ran})
}

func (a *API) notFoundOrError(w http.ResponseWriter, err error) {
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscan(s, &n); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("controlapi: limit must be positive")
	}
	return n, nil
}
