package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/appforge/internal/activity"
	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/manifest"
	"github.com/ignite/appforge/internal/pkg/httputil"
)

func splitFields(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// findEntity searches every enabled manifest for the entity declaration.
func (h *Handlers) findEntity(r *http.Request, entityID string) (manifest.Map, error) {
	all, err := h.registry.EnabledManifests(r.Context(), wsFrom(r))
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		if e := manifest.FindEntity(m, entityID); e != nil {
			return e, nil
		}
	}
	return nil, apperr.New(apperr.CodeEntityNotFound, "entity %s is not declared by any enabled module", entityID)
}

// ListRecords serves cursor pagination with search and projection.
func (h *Handlers) ListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := h.records.ListPage(r.Context(), wsFrom(r), chi.URLParam(r, "entityID"),
		queryInt(r, "limit", "", 50), q.Get("cursor"), q.Get("q"),
		splitFields(q.Get("search_fields")), splitFields(q.Get("fields")))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, page)
}

// CreateRecord writes a record through the validated direct path.
func (h *Handlers) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var data manifest.Map
	if !httputil.Decode(w, r, &data) {
		return
	}
	res, err := h.executor.CreateRecord(r.Context(), wsFrom(r), chi.URLParam(r, "entityID"), data, eventActor(r.Context()))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.Created(w, res)
}

// GetRecord returns one record.
func (h *Handlers) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.records.Store().Get(r.Context(), wsFrom(r), chi.URLParam(r, "entityID"), chi.URLParam(r, "recordID"))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"record": rec})
}

// UpdateRecord merges the posted patch over the stored record.
func (h *Handlers) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	var patch manifest.Map
	if !httputil.Decode(w, r, &patch) {
		return
	}
	res, err := h.executor.UpdateRecord(r.Context(), wsFrom(r), chi.URLParam(r, "entityID"), chi.URLParam(r, "recordID"), patch, eventActor(r.Context()))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, res)
}

// DeleteRecord removes one record.
func (h *Handlers) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	err := h.executor.DeleteRecord(r.Context(), wsFrom(r), chi.URLParam(r, "entityID"), chi.URLParam(r, "recordID"), eventActor(r.Context()))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"deleted": true})
}

// AggregateRecords groups and measures (count or sum:<field>).
func (h *Handlers) AggregateRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rows, err := h.records.Aggregate(r.Context(), wsFrom(r), chi.URLParam(r, "entityID"), q.Get("group_by"), q.Get("measure"))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"rows": rows})
}

// PivotRecords crosses two group-by dimensions with a measure.
func (h *Handlers) PivotRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.records.Pivot(r.Context(), wsFrom(r), chi.URLParam(r, "entityID"), q.Get("row_by"), q.Get("col_by"), q.Get("measure"))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, res)
}

// LookupRecords serves the id+display picker page. display_field defaults to
// the entity's declared display field.
func (h *Handlers) LookupRecords(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	displayField := r.URL.Query().Get("display_field")
	if displayField == "" {
		entity, err := h.findEntity(r, entityID)
		if err != nil {
			httputil.Fail(w, err)
			return
		}
		displayField = manifest.DisplayField(entity)
	}
	items, err := h.records.ListLookup(r.Context(), wsFrom(r), entityID, displayField, queryInt(r, "limit", "", 20), r.URL.Query().Get("q"))
	if err != nil {
		httputil.Fail(w, err)
		return
	}
	httputil.OK(w, map[string]any{"items": items})
}

// ListChatter returns a record's activity feed.
func (h *Handlers) ListChatter(w http.ResponseWriter, r *http.Request) {
	entries := h.chatter.List(r.Context(), wsFrom(r), chi.URLParam(r, "entityID"), chi.URLParam(r, "recordID"))
	httputil.OK(w, map[string]any{"entries": entries})
}

type chatterRequest struct {
	Message string       `json:"message"`
	Payload manifest.Map `json:"payload"`
}

// AddChatter posts a user comment on a record.
func (h *Handlers) AddChatter(w http.ResponseWriter, r *http.Request) {
	var req chatterRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Message == "" {
		httputil.BadRequest(w, "CHATTER_EMPTY", "message is required")
		return
	}
	author := activity.Author{ID: actorID(r)}
	if a := actorFrom(r.Context()); a != nil {
		author.Email = a.Email
	}
	payload := manifest.Map{"message": req.Message}
	for k, v := range req.Payload {
		payload[k] = v
	}
	entry := h.chatter.Add(r.Context(), wsFrom(r), &activity.Entry{
		EntityID:  chi.URLParam(r, "entityID"),
		RecordID:  chi.URLParam(r, "recordID"),
		EventType: activity.TypeComment,
		Author:    author,
		Payload:   payload,
	})
	httputil.Created(w, entry)
}
