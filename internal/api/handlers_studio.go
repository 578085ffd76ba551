package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/manifest"
	"github.com/ignite/appforge/internal/pkg/httputil"
)

type saveDraftRequest struct {
	Manifest        manifest.Manifest `json:"manifest"`
	Note            string            `json:"note"`
	ParentVersionID string            `json:"parent_version_id"`
	BaseSnapshotID  string            `json:"base_snapshot_id"`
}

// SaveDraft replaces the module's working copy. A note appends a draft
// version as well.
func (h *Handlers) SaveDraft(w http.ResponseWriter, r *http.Request) {
	var req saveDraftRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Manifest == nil {
		httputil.BadRequest(w, "DRAFT_MANIFEST_MISSING", "manifest is required")
		return
	}
	ws := wsFrom(r)
	moduleID := chi.URLParam(r, "moduleID")
	drafts := h.registry.Drafts()

	if req.Note != "" {
		res := manifest.Validate(moduleID, req.Manifest)
		v := drafts.CreateVersion(ws, moduleID, req.Manifest, req.Note, actorID(r), req.ParentVersionID, nil, res.AllErrors())
		httputil.OK(w, map[string]any{"draft": drafts.Get(ws, moduleID), "version": v})
		return
	}
	d := drafts.Upsert(ws, moduleID, req.Manifest, actorID(r), req.BaseSnapshotID)
	httputil.OK(w, map[string]any{"draft": d})
}

// GetDraft returns the working copy.
func (h *Handlers) GetDraft(w http.ResponseWriter, r *http.Request) {
	d := h.registry.Drafts().Get(wsFrom(r), chi.URLParam(r, "moduleID"))
	if d == nil {
		httputil.Fail(w, apperr.New(apperr.CodeModuleNotInstalled, "module %s has no draft", chi.URLParam(r, "moduleID")))
		return
	}
	httputil.OK(w, map[string]any{"draft": d})
}

// ListDrafts returns every draft in the workspace.
func (h *Handlers) ListDrafts(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{"drafts": h.registry.Drafts().List(wsFrom(r))})
}

// DeleteDraft clears the working copy and its versions.
func (h *Handlers) DeleteDraft(w http.ResponseWriter, r *http.Request) {
	h.registry.Drafts().Delete(wsFrom(r), chi.URLParam(r, "moduleID"))
	httputil.OK(w, map[string]any{"deleted": true})
}

type validateDraftRequest struct {
	Manifest manifest.Manifest `json:"manifest"`
}

// ValidateDraft runs the full pipeline on the posted manifest (or the stored
// working copy when the body is empty) without installing.
func (h *Handlers) ValidateDraft(w http.ResponseWriter, r *http.Request) {
	moduleID := chi.URLParam(r, "moduleID")
	var req validateDraftRequest
	if r.ContentLength > 0 && !httputil.Decode(w, r, &req) {
		return
	}
	m := req.Manifest
	if m == nil {
		d := h.registry.Drafts().Get(wsFrom(r), moduleID)
		if d == nil {
			httputil.BadRequest(w, "DRAFT_MANIFEST_MISSING", "no manifest posted and no stored draft")
			return
		}
		m = d.Manifest
	}
	res := manifest.Validate(moduleID, m)
	httputil.OK(w, res)
}

type installDraftRequest struct {
	Reason string `json:"reason"`
}

// InstallDraft installs the working copy through the registry.
func (h *Handlers) InstallDraft(w http.ResponseWriter, r *http.Request) {
	moduleID := chi.URLParam(r, "moduleID")
	var req installDraftRequest
	if r.ContentLength > 0 && !httputil.Decode(w, r, &req) {
		return
	}
	d := h.registry.Drafts().Get(wsFrom(r), moduleID)
	if d == nil {
		httputil.BadRequest(w, "DRAFT_MANIFEST_MISSING", "module has no draft to install")
		return
	}
	res, err := h.registry.Install(r.Context(), wsFrom(r), moduleID, d.Manifest, actorID(r), req.Reason)
	if err != nil {
		if res != nil && res.Validation != nil {
			httputil.FailAll(w, res.Validation.AllErrors(), res.Validation.Warnings)
			return
		}
		httputil.Fail(w, err)
		return
	}
	httputil.OKWithWarnings(w, res, res.Validation.Warnings)
}

// DraftVersions returns the version list newest-first.
func (h *Handlers) DraftVersions(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"versions": h.registry.Drafts().Versions(wsFrom(r), chi.URLParam(r, "moduleID")),
	})
}

type patchsetRequest struct {
	Ops    []manifest.PatchOp `json:"ops"`
	Reason string             `json:"reason"`
}

func (h *Handlers) decodePatchset(w http.ResponseWriter, r *http.Request) (*patchsetRequest, bool) {
	var req patchsetRequest
	if !httputil.Decode(w, r, &req) {
		return nil, false
	}
	if len(req.Ops) == 0 {
		httputil.BadRequest(w, "PATCHSET_EMPTY", "ops is required")
		return nil, false
	}
	if len(req.Ops) > h.cfg.Studio.MaxAgentOps {
		httputil.BadRequest(w, "PATCHSET_TOO_LARGE", "ops exceeds the configured batch limit")
		return nil, false
	}
	return &req, true
}

// ValidatePatchset checks op shapes without touching any manifest.
func (h *Handlers) ValidatePatchset(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodePatchset(w, r)
	if !ok {
		return
	}
	if errs := manifest.ValidatePatchset(req.Ops); len(errs) > 0 {
		httputil.FailAll(w, errs, nil)
		return
	}
	httputil.OK(w, map[string]any{"ops": len(req.Ops)})
}

// PreviewPatchset applies the ops to the draft (or head, or empty) base and
// returns the resulting manifest plus its validation, persisting nothing.
func (h *Handlers) PreviewPatchset(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodePatchset(w, r)
	if !ok {
		return
	}
	moduleID := chi.URLParam(r, "moduleID")
	base := h.patchsetBase(r, moduleID)
	next, err := manifest.ApplyPatchset(base, req.Ops)
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	res := manifest.Validate(moduleID, next)
	httputil.OK(w, map[string]any{"manifest": res.Normalized, "validation": res})
}

// ApplyPatchset applies the ops through the registry, advancing head.
func (h *Handlers) ApplyPatchset(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodePatchset(w, r)
	if !ok {
		return
	}
	moduleID := chi.URLParam(r, "moduleID")
	res, err := h.registry.ApplyPatchset(r.Context(), wsFrom(r), moduleID, req.Ops, actorID(r), req.Reason)
	if err != nil {
		if res != nil && res.Validation != nil {
			httputil.FailAll(w, res.Validation.AllErrors(), res.Validation.Warnings)
			return
		}
		httputil.Fail(w, err)
		return
	}
	httputil.OKWithWarnings(w, res, res.Validation.Warnings)
}

func (h *Handlers) patchsetBase(r *http.Request, moduleID string) manifest.Manifest {
	if d := h.registry.Drafts().Get(wsFrom(r), moduleID); d != nil {
		return d.Manifest
	}
	if head, err := h.registry.HeadManifest(r.Context(), wsFrom(r), moduleID); err == nil {
		return head
	}
	return manifest.Manifest{}
}
