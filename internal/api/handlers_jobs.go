package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/jobs"
	"github.com/ignite/appforge/internal/pkg/httputil"
)

// ListJobs serves the admin job listing, optionally filtered by status.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := h.jobs.List(r.Context(), wsFrom(r), r.URL.Query().Get("status"), queryInt(r, "limit", "", 100))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"jobs": list, "workers": jobs.ActiveWorkers()})
}

// GetJob returns one job.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), wsFrom(r), chi.URLParam(r, "jobID"))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, job)
}

// ListJobEvents returns the job's execution history.
func (h *Handlers) ListJobEvents(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), wsFrom(r), chi.URLParam(r, "jobID"))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	evts, err := h.jobs.ListEvents(r.Context(), job.ID)
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"events": evts})
}

// RetryJob re-queues a failed or dead job immediately.
func (h *Handlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), wsFrom(r), chi.URLParam(r, "jobID"))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	if job.Status != jobs.StatusFailed && job.Status != jobs.StatusDead {
		httputil.Fail(w, apperr.New(apperr.CodeJobNotFound, "job %s is %s, only failed or dead jobs retry", job.ID, job.Status))
		return
	}
	job.Status = jobs.StatusQueued
	job.RunAt = time.Now().UTC()
	job.LastError = ""
	if err := h.jobs.Update(r.Context(), job); err != nil {
		httputil.Fail(w, err)
		return
	}
	_ = h.jobs.AddEvent(r.Context(), job.ID, "requeued", "manual retry")
	httputil.OK(w, job)
}

// CancelJob marks a queued or failed job dead. Running jobs finish their
// in-flight attempt; there is no preemption.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), wsFrom(r), chi.URLParam(r, "jobID"))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	if job.Status == jobs.StatusSucceeded || job.Status == jobs.StatusDead {
		httputil.OK(w, job)
		return
	}
	job.Status = jobs.StatusDead
	job.LastError = "Cancelled"
	if err := h.jobs.Update(r.Context(), job); err != nil {
		httputil.Fail(w, err)
		return
	}
	_ = h.jobs.AddEvent(r.Context(), job.ID, "dead", "cancelled by admin")
	httputil.OK(w, job)
}
