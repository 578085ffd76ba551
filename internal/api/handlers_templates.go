package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/appforge/internal/mailing"
	"github.com/ignite/appforge/internal/manifest"
	"github.com/ignite/appforge/internal/pkg/httputil"
)

// ListConnections returns the workspace's email connections. Secrets never
// serialize.
func (h *Handlers) ListConnections(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{"connections": h.mailing.Store().ListConnections(r.Context(), wsFrom(r))})
}

type createConnectionRequest struct {
	mailing.Connection
	Secret string `json:"secret"`
}

// CreateConnection stores a connection with its secret sealed.
func (h *Handlers) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var req createConnectionRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	conn, err := h.mailing.CreateConnection(r.Context(), wsFrom(r), &req.Connection, req.Secret)
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.Created(w, conn)
}

// DeleteConnection removes a connection.
func (h *Handlers) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.mailing.Store().DeleteConnection(r.Context(), wsFrom(r), chi.URLParam(r, "connectionID")); err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"deleted": true})
}

// SetDefaultConnection makes one connection the workspace default.
func (h *Handlers) SetDefaultConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.mailing.Store().SetDefaultConnection(r.Context(), wsFrom(r), chi.URLParam(r, "connectionID")); err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"default": chi.URLParam(r, "connectionID")})
}

// ListEmailTemplates returns every email template.
func (h *Handlers) ListEmailTemplates(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{"templates": h.mailing.Store().ListTemplates(r.Context(), wsFrom(r))})
}

// CreateEmailTemplate stores a template at version 1.
func (h *Handlers) CreateEmailTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl mailing.Template
	if !httputil.Decode(w, r, &tpl) {
		return
	}
	created, err := h.mailing.Store().CreateTemplate(r.Context(), wsFrom(r), &tpl)
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.Created(w, created)
}

// GetEmailTemplate returns one template.
func (h *Handlers) GetEmailTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.mailing.Store().GetTemplate(r.Context(), wsFrom(r), chi.URLParam(r, "templateID"))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, tpl)
}

// UpdateEmailTemplate bumps the version, keeping the prior body as history.
func (h *Handlers) UpdateEmailTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl mailing.Template
	if !httputil.Decode(w, r, &tpl) {
		return
	}
	tpl.ID = chi.URLParam(r, "templateID")
	updated, err := h.mailing.Store().UpdateTemplate(r.Context(), wsFrom(r), &tpl)
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, updated)
}

// DeleteEmailTemplate removes a template. Sent outbox rows survive.
func (h *Handlers) DeleteEmailTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.mailing.Store().DeleteTemplate(r.Context(), wsFrom(r), chi.URLParam(r, "templateID")); err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"deleted": true})
}

// EmailTemplateHistory returns prior versions newest-first.
func (h *Handlers) EmailTemplateHistory(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"versions": h.mailing.Store().TemplateHistory(r.Context(), wsFrom(r), chi.URLParam(r, "templateID")),
	})
}

type templateSampleRequest struct {
	Sample manifest.Map `json:"sample"`
}

// ValidateEmailTemplate reports syntax errors, unknown filters, and
// undefined variables against the posted sample context.
func (h *Handlers) ValidateEmailTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateSampleRequest
	if r.ContentLength > 0 && !httputil.Decode(w, r, &req) {
		return
	}
	report, err := h.mailing.ValidateTemplate(r.Context(), wsFrom(r), chi.URLParam(r, "templateID"), req.Sample)
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, report)
}

// PreviewEmailTemplate renders subject, html, and text against the sample
// context without sending.
func (h *Handlers) PreviewEmailTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateSampleRequest
	if r.ContentLength > 0 && !httputil.Decode(w, r, &req) {
		return
	}
	rendered, err := h.mailing.Preview(r.Context(), wsFrom(r), chi.URLParam(r, "templateID"), req.Sample)
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, rendered)
}

type sendTestRequest struct {
	Recipient string       `json:"recipient"`
	Sample    manifest.Map `json:"sample"`
}

// SendTestEmail queues a template send to an override recipient.
func (h *Handlers) SendTestEmail(w http.ResponseWriter, r *http.Request) {
	var req sendTestRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if err := h.mailing.SendTest(r.Context(), wsFrom(r), chi.URLParam(r, "templateID"), req.Recipient, req.Sample); err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"queued": true})
}

// ListOutbox returns outbox emails newest-first.
func (h *Handlers) ListOutbox(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{"emails": h.mailing.Store().ListOutbox(r.Context(), wsFrom(r))})
}
