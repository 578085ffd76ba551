package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/appforge/internal/docs"
	"github.com/ignite/appforge/internal/jobs"
	"github.com/ignite/appforge/internal/manifest"
	"github.com/ignite/appforge/internal/pkg/httputil"
)

// ListDocTemplates returns every document template.
func (h *Handlers) ListDocTemplates(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{"templates": h.docs.Store().List(r.Context(), wsFrom(r))})
}

// CreateDocTemplate stores a document template at version 1.
func (h *Handlers) CreateDocTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl docs.Template
	if !httputil.Decode(w, r, &tpl) {
		return
	}
	created, err := h.docs.Store().Create(r.Context(), wsFrom(r), &tpl)
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.Created(w, created)
}

// GetDocTemplate returns one template.
func (h *Handlers) GetDocTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.docs.Store().Get(r.Context(), wsFrom(r), chi.URLParam(r, "templateID"))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, tpl)
}

// UpdateDocTemplate bumps the version, keeping the prior body as history.
func (h *Handlers) UpdateDocTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl docs.Template
	if !httputil.Decode(w, r, &tpl) {
		return
	}
	tpl.ID = chi.URLParam(r, "templateID")
	updated, err := h.docs.Store().Update(r.Context(), wsFrom(r), &tpl)
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, updated)
}

// DeleteDocTemplate removes a template. Generated attachments survive.
func (h *Handlers) DeleteDocTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.docs.Store().Delete(r.Context(), wsFrom(r), chi.URLParam(r, "templateID")); err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"deleted": true})
}

// DocTemplateHistory returns prior versions newest-first.
func (h *Handlers) DocTemplateHistory(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"versions": h.docs.Store().History(r.Context(), wsFrom(r), chi.URLParam(r, "templateID")),
	})
}

type generateDocumentRequest struct {
	EntityID string `json:"entity_id"`
	RecordID string `json:"record_id"`
	Purpose  string `json:"purpose"`
}

// GenerateDocument enqueues a doc.generate job for one record. Generation
// runs in the worker; the PDF lands as a record attachment.
func (h *Handlers) GenerateDocument(w http.ResponseWriter, r *http.Request) {
	var req generateDocumentRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.EntityID == "" || req.RecordID == "" {
		httputil.BadRequest(w, "DOC_TARGET_MISSING", "entity_id and record_id are required")
		return
	}
	ws := wsFrom(r)
	templateID := chi.URLParam(r, "templateID")
	if _, err := h.docs.Store().Get(r.Context(), ws, templateID); err != nil {
		httputil.Fail(w, err)
		return
	}
	job, created, err := h.jobs.Enqueue(r.Context(), &jobs.Job{
		WorkspaceID: ws,
		Type:        jobs.TypeDocGenerate,
		Key:         fmt.Sprintf("%s:%s:%s", templateID, req.RecordID, req.Purpose),
		Payload: manifest.Map{
			"template_id": templateID,
			"entity_id":   req.EntityID,
			"record_id":   req.RecordID,
			"purpose":     req.Purpose,
		},
	})
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"job_id": job.ID, "created": created})
}
