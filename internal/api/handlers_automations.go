package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/automation"
	"github.com/ignite/appforge/internal/jobs"
	"github.com/ignite/appforge/internal/manifest"
	"github.com/ignite/appforge/internal/pkg/httputil"
)

// ListAutomations returns every automation in the workspace.
func (h *Handlers) ListAutomations(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{"automations": h.automations.List(r.Context(), wsFrom(r))})
}

// CreateAutomation stores a new draft automation.
func (h *Handlers) CreateAutomation(w http.ResponseWriter, r *http.Request) {
	var a automation.Automation
	if !httputil.Decode(w, r, &a) {
		return
	}
	created, err := h.automations.Create(r.Context(), wsFrom(r), &a)
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.Created(w, created)
}

// GetAutomation returns one automation.
func (h *Handlers) GetAutomation(w http.ResponseWriter, r *http.Request) {
	a, err := h.automations.Get(r.Context(), wsFrom(r), chi.URLParam(r, "automationID"))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, a)
}

// UpdateAutomation replaces trigger and steps.
func (h *Handlers) UpdateAutomation(w http.ResponseWriter, r *http.Request) {
	var a automation.Automation
	if !httputil.Decode(w, r, &a) {
		return
	}
	a.ID = chi.URLParam(r, "automationID")
	updated, err := h.automations.Update(r.Context(), wsFrom(r), &a)
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, updated)
}

// DeleteAutomation removes an automation; past runs survive.
func (h *Handlers) DeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if err := h.automations.Delete(r.Context(), wsFrom(r), chi.URLParam(r, "automationID")); err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"deleted": true})
}

// PublishAutomation flips status to published so the matcher sees it.
func (h *Handlers) PublishAutomation(w http.ResponseWriter, r *http.Request) {
	if err := h.automations.Publish(r.Context(), wsFrom(r), chi.URLParam(r, "automationID")); err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"status": automation.StatusPublished})
}

// DisableAutomation flips status to disabled.
func (h *Handlers) DisableAutomation(w http.ResponseWriter, r *http.Request) {
	if err := h.automations.Disable(r.Context(), wsFrom(r), chi.URLParam(r, "automationID")); err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"status": automation.StatusDisabled})
}

// ExportAutomation ships {name, description, trigger, steps}.
func (h *Handlers) ExportAutomation(w http.ResponseWriter, r *http.Request) {
	bundle, err := h.automations.Export(r.Context(), wsFrom(r), chi.URLParam(r, "automationID"))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, bundle)
}

// ImportAutomation creates a draft automation from an exported bundle.
func (h *Handlers) ImportAutomation(w http.ResponseWriter, r *http.Request) {
	var bundle manifest.Map
	if !httputil.Decode(w, r, &bundle) {
		return
	}
	a, err := h.automations.Import(r.Context(), wsFrom(r), bundle)
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.Created(w, a)
}

// ListRuns returns an automation's runs newest-first.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.automations.ListRuns(r.Context(), wsFrom(r), chi.URLParam(r, "automationID"))
	httputil.OK(w, map[string]any{"runs": runs})
}

// GetRun returns a run plus its step runs.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.automations.GetRun(r.Context(), wsFrom(r), chi.URLParam(r, "runID"))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"run":       run,
		"step_runs": h.automations.ListStepRuns(r.Context(), run.ID),
	})
}

// RetryRun re-queues a failed run from its current step.
func (h *Handlers) RetryRun(w http.ResponseWriter, r *http.Request) {
	ws := wsFrom(r)
	run, err := h.automations.GetRun(r.Context(), ws, chi.URLParam(r, "runID"))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	if run.Status != automation.RunFailed {
		httputil.Fail(w, apperr.New(apperr.CodeAutomationInvalid, "run %s is %s, only failed runs retry", run.ID, run.Status))
		return
	}
	run.Status = automation.RunQueued
	run.EndedAt = nil
	if err := h.automations.UpdateRun(r.Context(), run); err != nil {
		httputil.Fail(w, err)
		return
	}
	_, _, err = h.jobs.Enqueue(r.Context(), &jobs.Job{
		WorkspaceID: ws,
		Type:        jobs.TypeAutomationRun,
		Key:         fmt.Sprintf("%s:%d:retry:%d", run.ID, run.CurrentStepIndex, time.Now().UTC().Unix()),
		Payload:     manifest.Map{"run_id": run.ID},
	})
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"run_id": run.ID, "status": run.Status})
}

// CancelRun stops a run; the runtime checks status each cycle.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	if err := h.automations.CancelRun(r.Context(), wsFrom(r), chi.URLParam(r, "runID")); err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"status": automation.RunCancelled})
}
