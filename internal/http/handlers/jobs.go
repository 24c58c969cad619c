package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"batchgen/internal/domain"
)

// SubmitRequest is the submission payload: validated item references plus
// job-wide parameters. Source refs are opaque here; the upload collaborator
// has already checked type, size and count.
type SubmitRequest struct {
	Items  []domain.ItemRef `json:"items"`
	Params domain.Params    `json:"params"`
}

// SubmitJob accepts a batch and answers immediately with the job id.
func (a *App) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.jsonError(w, http.StatusBadRequest, "invalid json payload")
		return
	}

	jobID, err := a.Dispatcher.Submit(r.Context(), req.Items, req.Params)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"state":  string(domain.JobStatePending),
	})
}

// JobStatus is the synchronous read for polling clients: the job and all
// item states as of the query time.
func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	snap, err := a.Store.Snapshot(r.Context(), jobID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, snap)
}

// CancelJob flags a job for cooperative cancellation.
func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := a.Dispatcher.Cancel(r.Context(), jobID); err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]string{"job_id": jobID, "cancelled": "true"})
}

// StreamJob upgrades to a websocket and pushes progress events until the
// batch is terminal.
func (a *App) StreamJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	a.Gateway.Serve(w, r, jobID)
}
