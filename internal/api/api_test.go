package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/appforge/internal/actions"
	"github.com/ignite/appforge/internal/activity"
	"github.com/ignite/appforge/internal/automation"
	"github.com/ignite/appforge/internal/cache"
	"github.com/ignite/appforge/internal/config"
	"github.com/ignite/appforge/internal/docs"
	"github.com/ignite/appforge/internal/events"
	"github.com/ignite/appforge/internal/jobs"
	"github.com/ignite/appforge/internal/mailing"
	"github.com/ignite/appforge/internal/manifest"
	"github.com/ignite/appforge/internal/records"
	"github.com/ignite/appforge/internal/registry"
	"github.com/ignite/appforge/internal/secrets"
	"github.com/ignite/appforge/internal/storage"
)

const testWorkspace = "ws-api"

type nullRenderer struct{}

func (nullRenderer) RenderPDF(_ context.Context, _ string, _ docs.RenderOptions) ([]byte, error) {
	return []byte("%PDF-1.4"), nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Studio.MaxAgentOps = 50

	recStore := records.NewMemoryStore()
	recs := records.NewService(recStore)
	c := cache.NewMemory()
	reg := registry.New(registry.NewMemoryStore(), registry.NewDraftStore(), recStore, c)

	chatter := activity.NewStore()
	notifier := activity.NewNotifier()
	bus := events.NewBus(events.NewOutbox())
	executor := actions.New(reg, recs, chatter, bus, c)

	jobStore := jobs.NewMemoryStore()
	box, err := secrets.New("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	mail := mailing.NewService(mailing.NewStore(), box, jobStore)

	autos := automation.NewStore()
	engine := automation.NewEngine(autos, jobStore, executor, notifier, mail)
	engine.Attach(bus)

	provider, err := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, err)
	docSvc := docs.NewService(docs.NewStore(), recs, nullRenderer{}, storage.NewService(provider),
		storage.NewAttachmentStore(), chatter)

	h := NewHandlers(cfg, reg, recs, executor, bus, autos, engine, jobStore,
		mail, docSvc, chatter, notifier, c)
	return SetupRoutes(h)
}

type envelope struct {
	OK     bool                     `json:"ok"`
	Data   json.RawMessage          `json:"data"`
	Errors []map[string]interface{} `json:"errors"`
}

func do(t *testing.T, router http.Handler, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Workspace-ID", testWorkspace)
	req.Header.Set("X-User-ID", "user-1")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func apiManifest() manifest.Manifest {
	return manifest.Manifest{
		"module": manifest.Map{"name": "Tickets"},
		"entities": manifest.List{
			manifest.Map{
				"id":            "entity.ticket",
				"name":          "Ticket",
				"display_field": "ticket.title",
				"fields": manifest.List{
					manifest.Map{"id": "ticket.title", "type": "string", "required": true},
					manifest.Map{"id": "ticket.status", "type": "enum", "options": manifest.List{"open", "closed"}},
				},
			},
		},
	}
}

func TestRoutes_WorkspaceHeaderRequired(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/modules/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.OK)
	require.Len(t, env.Errors, 1)
	assert.Equal(t, "WORKSPACE_MISSING", env.Errors[0]["code"])
}

func TestRoutes_ReadonlyRoleCannotMutate(t *testing.T) {
	router := newTestRouter(t)

	rec, env := do(t, router, http.MethodPost, "/api/modules/tickets/install",
		map[string]interface{}{"manifest": apiManifest()},
		map[string]string{"X-Workspace-Role": "readonly"})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, env.OK)
	require.Len(t, env.Errors, 1)
	assert.Equal(t, "FORBIDDEN", env.Errors[0]["code"])
}

func TestRoutes_InstallAndRecordLifecycle(t *testing.T) {
	router := newTestRouter(t)

	rec, env := do(t, router, http.MethodPost, "/api/modules/tickets/install",
		map[string]interface{}{"manifest": apiManifest(), "reason": "initial"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, env.OK)

	var installed struct {
		Hash string `json:"hash"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &installed))
	assert.Contains(t, installed.Hash, "sha256:")

	rec, env = do(t, router, http.MethodPost, "/api/records/entity.ticket/",
		map[string]interface{}{"ticket.title": "Broken printer", "ticket.status": "open"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.True(t, env.OK)

	var created struct {
		RecordID string `json:"record_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.NotEmpty(t, created.RecordID)

	rec, env = do(t, router, http.MethodGet, "/api/records/entity.ticket/", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Records []map[string]interface{} `json:"records"`
		Total   int                      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "Broken printer", page.Records[0]["ticket.title"])

	rec, env = do(t, router, http.MethodPut, "/api/records/entity.ticket/"+created.RecordID,
		map[string]interface{}{"ticket.status": "closed"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, env.OK)

	rec, env = do(t, router, http.MethodPost, "/api/records/entity.ticket/",
		map[string]interface{}{"ticket.status": "open"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.OK)
	require.NotEmpty(t, env.Errors)
	assert.Equal(t, "VALIDATION_REQUIRED_MISSING", env.Errors[0]["code"])
}

func TestRoutes_ValidationErrorsKeepEnvelopeShape(t *testing.T) {
	router := newTestRouter(t)

	bad := apiManifest()
	entity := manifest.AsMap(bad["entities"].(manifest.List)[0])
	entity["fields"] = append(entity["fields"].(manifest.List),
		manifest.Map{"id": "ticket.geo", "type": "geo"})

	rec, env := do(t, router, http.MethodPost, "/api/modules/tickets/install",
		map[string]interface{}{"manifest": bad}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.OK)
	require.NotEmpty(t, env.Errors)
	for _, e := range env.Errors {
		assert.NotEmpty(t, e["code"])
		assert.NotEmpty(t, e["message"])
	}
}

func TestRoutes_HealthNeedsNoWorkspace(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.OK)
}

func TestRoutes_AttachmentUploadAndDownload(t *testing.T) {
	router := newTestRouter(t)

	rec, env := do(t, router, http.MethodPost, "/api/modules/tickets/install",
		map[string]interface{}{"manifest": apiManifest()}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env = do(t, router, http.MethodPost, "/api/records/entity.ticket/",
		map[string]interface{}{"ticket.title": "Needs a photo"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		RecordID string `json:"record_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "photo.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("not-really-a-png"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost,
		"/api/records/entity.ticket/"+created.RecordID+"/attachments", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Workspace-ID", testWorkspace)
	req.Header.Set("X-User-ID", "user-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var uploadEnv envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &uploadEnv))
	var att struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Size int64  `json:"size"`
	}
	require.NoError(t, json.Unmarshal(uploadEnv.Data, &att))
	assert.Equal(t, "photo.png", att.Name)
	assert.Equal(t, int64(len("not-really-a-png")), att.Size)

	rec, env = do(t, router, http.MethodGet,
		"/api/records/entity.ticket/"+created.RecordID+"/attachments", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Attachments []map[string]interface{} `json:"attachments"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &listing))
	require.Len(t, listing.Attachments, 1)

	dlReq := httptest.NewRequest(http.MethodGet, "/api/attachments/"+att.ID+"/download", nil)
	dlReq.Header.Set("X-Workspace-ID", testWorkspace)
	dlReq.Header.Set("X-User-ID", "user-1")
	dl := httptest.NewRecorder()
	router.ServeHTTP(dl, dlReq)
	require.Equal(t, http.StatusOK, dl.Code)
	assert.Equal(t, "not-really-a-png", dl.Body.String())

	// record feed gains a system attachment entry alongside uploads
	rec, env = do(t, router, http.MethodGet,
		"/api/records/entity.ticket/"+created.RecordID+"/chatter", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var feed struct {
		Entries []map[string]interface{} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &feed))
	require.NotEmpty(t, feed.Entries)
}
