package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/appforge/internal/activity"
	"github.com/ignite/appforge/internal/pkg/httputil"
)

// maxUploadBytes caps a single attachment upload.
const maxUploadBytes = 25 << 20

// ListAttachments returns a record's attachments.
func (h *Handlers) ListAttachments(w http.ResponseWriter, r *http.Request) {
	list := h.docs.ListAttachments(r.Context(), wsFrom(r), chi.URLParam(r, "entityID"), chi.URLParam(r, "recordID"))
	httputil.OK(w, map[string]any{"attachments": list})
}

// UploadAttachment accepts a multipart upload bound to a record.
func (h *Handlers) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httputil.BadRequest(w, "ATTACHMENT_BODY_INVALID", "expected multipart form with a file part")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.BadRequest(w, "ATTACHMENT_BODY_INVALID", "file part is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		httputil.BadRequest(w, "ATTACHMENT_BODY_INVALID", fmt.Sprintf("reading upload: %v", err))
		return
	}
	if len(data) > maxUploadBytes {
		httputil.BadRequest(w, "ATTACHMENT_TOO_LARGE", fmt.Sprintf("upload exceeds %d bytes", maxUploadBytes))
		return
	}

	author := activity.Author{ID: actorID(r)}
	if a := actorFrom(r.Context()); a != nil {
		author.Email = a.Email
	}
	att, err := h.docs.UploadAttachment(r.Context(), wsFrom(r),
		chi.URLParam(r, "entityID"), chi.URLParam(r, "recordID"),
		header.Filename, header.Header.Get("Content-Type"), data, author)
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.Created(w, att)
}

type linkAttachmentRequest struct {
	EntityID string `json:"entity_id"`
	RecordID string `json:"record_id"`
}

// LinkAttachment binds an existing attachment to a record.
func (h *Handlers) LinkAttachment(w http.ResponseWriter, r *http.Request) {
	var req linkAttachmentRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.EntityID == "" || req.RecordID == "" {
		httputil.BadRequest(w, "ATTACHMENT_TARGET_MISSING", "entity_id and record_id are required")
		return
	}
	att, err := h.docs.LinkAttachment(r.Context(), wsFrom(r), chi.URLParam(r, "attachmentID"), req.EntityID, req.RecordID)
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, att)
}

// DownloadAttachment streams the stored bytes.
func (h *Handlers) DownloadAttachment(w http.ResponseWriter, r *http.Request) {
	att, data, err := h.docs.ReadAttachment(r.Context(), wsFrom(r), chi.URLParam(r, "attachmentID"))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	ct := att.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.Name))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// DeleteAttachment removes the attachment and its blob.
func (h *Handlers) DeleteAttachment(w http.ResponseWriter, r *http.Request) {
	if err := h.docs.DeleteAttachment(r.Context(), wsFrom(r), chi.URLParam(r, "attachmentID")); err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"deleted": true})
}
