package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/appforge/internal/actions"
	"github.com/ignite/appforge/internal/manifest"
	"github.com/ignite/appforge/internal/pkg/httputil"
)

// ListModules returns every installed module record.
func (h *Handlers) ListModules(w http.ResponseWriter, r *http.Request) {
	mods, err := h.registry.List(r.Context(), wsFrom(r))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"modules": mods})
}

type installRequest struct {
	Manifest manifest.Manifest `json:"manifest"`
	Reason   string            `json:"reason"`
}

// InstallModule validates and installs (or upgrades) a manifest.
func (h *Handlers) InstallModule(w http.ResponseWriter, r *http.Request) {
	moduleID := chi.URLParam(r, "moduleID")
	var req installRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	res, err := h.registry.Install(r.Context(), wsFrom(r), moduleID, req.Manifest, actorID(r), req.Reason)
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

// GetManifest returns the module's head manifest.
func (h *Handlers) GetManifest(w http.ResponseWriter, r *http.Request) {
	m, err := h.registry.HeadManifest(r.Context(), wsFrom(r), chi.URLParam(r, "moduleID"))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"manifest": m})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// EnableModule flips enabled on.
func (h *Handlers) EnableModule(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// DisableModule flips enabled off.
func (h *Handlers) DisableModule(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handlers) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	var req reasonRequest
	if r.ContentLength > 0 && !httputil.Decode(w, r, &req) {
		return
	}
	moduleID := chi.URLParam(r, "moduleID")
	if err := h.registry.SetEnabled(r.Context(), wsFrom(r), moduleID, enabled, actorID(r), req.Reason); err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"module_id": moduleID, "enabled": enabled})
}

// ListSnapshots returns the module's snapshots newest-first.
func (h *Handlers) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.registry.Snapshots(r.Context(), wsFrom(r), chi.URLParam(r, "moduleID"))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"snapshots": snaps})
}

// ModuleHistory returns the audit trail newest-first.
func (h *Handlers) ModuleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.registry.History(r.Context(), wsFrom(r), chi.URLParam(r, "moduleID"))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"history": entries})
}

type rollbackRequest struct {
	ToSnapshotHash       string `json:"to_snapshot_hash"`
	ToTransactionGroupID string `json:"to_transaction_group_id"`
	ToDraftVersionID     string `json:"to_draft_version_id"`
	Reason               string `json:"reason"`
}

func (rb rollbackRequest) target() string {
	if rb.ToSnapshotHash != "" {
		return rb.ToSnapshotHash
	}
	if rb.ToTransactionGroupID != "" {
		return rb.ToTransactionGroupID
	}
	return rb.ToDraftVersionID
}

// RollbackModule re-points head at an earlier snapshot.
func (h *Handlers) RollbackModule(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	moduleID := chi.URLParam(r, "moduleID")
	if err := h.registry.Rollback(r.Context(), wsFrom(r), moduleID, req.target(), actorID(r), req.Reason); err != nil {
		httputil.Fail(w, err)
		return
	}
	rec, err := h.registry.Get(r.Context(), wsFrom(r), moduleID)
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"module_id": moduleID, "head": rec.CurrentHash})
}

// DeleteModule archives or purges a module. force and archive come as query
// flags.
func (h *Handlers) DeleteModule(w http.ResponseWriter, r *http.Request) {
	moduleID := chi.URLParam(r, "moduleID")
	force := r.URL.Query().Get("force") == "true"
	archive := r.URL.Query().Get("archive") == "true"
	if err := h.registry.Delete(r.Context(), wsFrom(r), moduleID, force, archive, actorID(r), r.URL.Query().Get("reason")); err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"module_id": moduleID, "archived": true})
}

type iconRequest struct {
	IconKey string `json:"icon_key"`
}

// SetModuleIcon updates the icon key.
func (h *Handlers) SetModuleIcon(w http.ResponseWriter, r *http.Request) {
	var req iconRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	moduleID := chi.URLParam(r, "moduleID")
	if err := h.registry.SetIcon(r.Context(), wsFrom(r), moduleID, req.IconKey); err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"module_id": moduleID, "icon_key": req.IconKey})
}

type displayOrderRequest struct {
	DisplayOrder int `json:"display_order"`
}

// SetModuleDisplayOrder updates the listing position.
func (h *Handlers) SetModuleDisplayOrder(w http.ResponseWriter, r *http.Request) {
	var req displayOrderRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	moduleID := chi.URLParam(r, "moduleID")
	if err := h.registry.SetDisplayOrder(r.Context(), wsFrom(r), moduleID, req.DisplayOrder); err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"module_id": moduleID, "display_order": req.DisplayOrder})
}

type runActionRequest struct {
	RecordID    string       `json:"record_id"`
	RecordDraft manifest.Map `json:"record_draft"`
	SelectedIDs []string     `json:"selected_ids"`
}

// RunAction executes a declared action transactionally.
func (h *Handlers) RunAction(w http.ResponseWriter, r *http.Request) {
	var req runActionRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	res, err := h.executor.Run(r.Context(), wsFrom(r), chi.URLParam(r, "moduleID"), chi.URLParam(r, "actionID"), actions.Context{
		RecordID:    req.RecordID,
		RecordDraft: req.RecordDraft,
		SelectedIDs: req.SelectedIDs,
		Actor:       eventActor(r.Context()),
	})
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, res)
}

func actorID(r *http.Request) string {
	if a := actorFrom(r.Context()); a != nil && a.UserID != "" {
		return a.UserID
	}
	return "anonymous"
}

func queryInt(r *http.Request, name, fallbackName string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" && fallbackName != "" {
		v = r.URL.Query().Get(fallbackName)
	}
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
