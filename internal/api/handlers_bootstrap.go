package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/manifest"
	"github.com/ignite/appforge/internal/pkg/httputil"
)

const bootstrapTTL = 30 * time.Second

// Bootstrap serves the one-shot page payload: module row, enabled manifest,
// compiled manifest, the page, its view, and either the first list page or
// one record. Responses are cached per workspace and invalidated on every
// registry or record mutation.
func (h *Handlers) Bootstrap(w http.ResponseWriter, r *http.Request) {
	ws := wsFrom(r)
	moduleID := chi.URLParam(r, "moduleID")
	pageID := chi.URLParam(r, "pageID")
	q := r.URL.Query()

	mod, err := h.registry.Get(r.Context(), ws, moduleID)
	if err != nil {
		httputil.Fail(w, err)
		return
	}

	cacheKey := strings.Join([]string{
		"bootstrap", moduleID, mod.CurrentHash, pageID,
		q.Get("view_id"), q.Get("record_id"), q.Get("cursor"),
		q.Get("limit"), q.Get("q"), q.Get("search_fields"),
	}, ":")
	if h.cache != nil {
		if raw, ok := h.cache.Get(r.Context(), ws, cacheKey); ok {
			httputil.OK(w, json.RawMessage(raw))
			return
		}
	}

	m, err := h.registry.EnabledManifest(r.Context(), ws, moduleID)
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	page := manifest.FindPage(m, pageID)
	if page == nil {
		httputil.Fail(w, apperr.New(apperr.CodePageNotFound, "module %s has no page %s", moduleID, pageID))
		return
	}

	viewID := q.Get("view_id")
	if viewID == "" {
		viewID = firstViewTarget(manifest.SubList(page, "content"))
	}
	view := manifest.FindView(m, viewID)
	if view == nil {
		httputil.Fail(w, apperr.New(apperr.CodeViewNotFound, "page %s resolves to no view", pageID))
		return
	}
	entityID := manifest.Str(view, "entity")

	compiled, _ := manifest.Normalize(moduleID, m)
	payload := manifest.Map{
		"module":   mod,
		"manifest": m,
		"compiled": compiled,
		"page":     page,
		"view_id":  viewID,
	}

	switch manifest.Str(view, "kind") {
	case "form":
		recordID := q.Get("record_id")
		if recordID != "" {
			rec, err := h.records.Store().Get(r.Context(), ws, entityID, recordID)
			if err != nil {
				httputil.Fail(w, err)
				return
			}
			payload["record"] = manifest.Map{"record_id": recordID, "record": rec}
		}
	default:
		listPage, err := h.records.ListPage(r.Context(), ws, entityID,
			queryInt(r, "limit", "", 50), q.Get("cursor"), q.Get("q"),
			splitFields(q.Get("search_fields")), nil)
		if err != nil {
			httputil.Fail(w, err)
			return
		}
		payload["list"] = manifest.Map{
			"records":     listPage.Records,
			"next_cursor": listPage.NextCursor,
			"columns":     view["columns"],
		}
	}

	if h.cache != nil {
		if raw, err := json.Marshal(payload); err == nil {
			_ = h.cache.Set(r.Context(), ws, cacheKey, raw, bootstrapTTL)
		}
	}
	httputil.OK(w, payload)
}

// firstViewTarget walks the page content tree for the first view block.
func firstViewTarget(content manifest.List) string {
	for _, item := range manifest.MapItems(content) {
		if manifest.Str(item, "kind") == "view" {
			if target := manifest.Str(item, "target"); strings.HasPrefix(target, "view:") {
				return strings.TrimPrefix(target, "view:")
			}
		}
		if id := firstViewTarget(manifest.SubList(item, "content")); id != "" {
			return id
		}
	}
	return ""
}
