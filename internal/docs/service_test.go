package docs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/appforge/internal/activity"
	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/jobs"
	"github.com/ignite/appforge/internal/manifest"
	"github.com/ignite/appforge/internal/records"
	"github.com/ignite/appforge/internal/storage"
)

type fakeRenderer struct {
	lastHTML string
	lastOpts RenderOptions
	fail     bool
}

func (r *fakeRenderer) RenderPDF(_ context.Context, html string, opts RenderOptions) ([]byte, error) {
	r.lastHTML = html
	r.lastOpts = opts
	if r.fail {
		return nil, errors.New("chromium crashed")
	}
	return []byte("%PDF-1.7 " + html), nil
}

type docFixture struct {
	svc         *Service
	templates   *Store
	records     *records.Service
	attachments *storage.AttachmentStore
	chatter     *activity.Store
	renderer    *fakeRenderer
}

func newDocFixture(t *testing.T) *docFixture {
	t.Helper()
	provider, err := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, err)

	templates := NewStore()
	recs := records.NewService(records.NewMemoryStore())
	attachments := storage.NewAttachmentStore()
	chatter := activity.NewStore()
	renderer := &fakeRenderer{}
	svc := NewService(templates, recs, renderer, storage.NewService(provider), attachments, chatter)
	return &docFixture{svc: svc, templates: templates, records: recs, attachments: attachments, chatter: chatter, renderer: renderer}
}

func TestNormalizeMargin(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"10mm", 10},
		{"1cm", 10},
		{"0.5in", 12.7},
		{"96px", 25.4},
		{"250mm", 100}, // clamped
		{"-5mm", 0},
		{"", 10}, // default
	}
	for _, tc := range cases {
		got, err := NormalizeMargin(tc.in, 10)
		require.NoError(t, err, tc.in)
		assert.InDelta(t, tc.want, got, 0.001, tc.in)
	}

	_, err := NormalizeMargin("wide", 10)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeDocRenderFailed, apperr.CodeOf(err))
}

func TestHandleGenerateJob_CreatesLinkedAttachment(t *testing.T) {
	f := newDocFixture(t)
	ctx := context.Background()

	tpl, err := f.templates.Create(ctx, "ws-1", &Template{
		Name:    "quote",
		HTML:    "<h1>Quote for {{ record.title }}</h1>",
		Paper:   "Letter",
		Margins: Margins{Top: "1cm", Left: "0.5in"},
	})
	require.NoError(t, err)

	recID, _, err := f.records.Store().Create(ctx, "ws-1", "entity.job", manifest.Map{"title": "Fix roof"})
	require.NoError(t, err)

	err = f.svc.HandleGenerateJob(ctx, &jobs.Job{
		WorkspaceID: "ws-1",
		Type:        jobs.TypeDocGenerate,
		Payload: manifest.Map{
			"template_id": tpl.ID,
			"entity_id":   "entity.job",
			"record_id":   recID,
			"purpose":     "quote",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "<h1>Quote for Fix roof</h1>", f.renderer.lastHTML)
	assert.Equal(t, "Letter", f.renderer.lastOpts.Paper)
	assert.InDelta(t, 10.0, f.renderer.lastOpts.TopMM, 0.001)
	assert.InDelta(t, 12.7, f.renderer.lastOpts.LeftMM, 0.001)

	atts := f.attachments.ListForRecord(ctx, "ws-1", "entity.job", recID)
	require.Len(t, atts, 1)
	assert.Equal(t, "quote.pdf", atts[0].Name)
	assert.Equal(t, "application/pdf", atts[0].ContentType)
	assert.Equal(t, "quote", atts[0].Source)
	assert.NotEmpty(t, atts[0].SHA256)
	assert.Greater(t, atts[0].Size, int64(0))

	entries := f.chatter.List(ctx, "ws-1", "entity.job", recID)
	require.Len(t, entries, 1)
	assert.Equal(t, activity.TypeAttachment, entries[0].EventType)
	assert.Equal(t, atts[0].ID, entries[0].Payload["attachment_id"])
}

func TestHandleGenerateJob_RendererFailure(t *testing.T) {
	f := newDocFixture(t)
	ctx := context.Background()
	f.renderer.fail = true

	tpl, err := f.templates.Create(ctx, "ws-1", &Template{Name: "q", HTML: "<p>x</p>"})
	require.NoError(t, err)
	recID, _, err := f.records.Store().Create(ctx, "ws-1", "entity.job", manifest.Map{})
	require.NoError(t, err)

	err = f.svc.HandleGenerateJob(ctx, &jobs.Job{
		WorkspaceID: "ws-1",
		Payload:     manifest.Map{"template_id": tpl.ID, "entity_id": "entity.job", "record_id": recID},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeDocRenderFailed, apperr.CodeOf(err))
	assert.Empty(t, f.attachments.ListForRecord(ctx, "ws-1", "entity.job", recID))
}

func TestHandleGenerateJob_MissingTemplate(t *testing.T) {
	f := newDocFixture(t)
	err := f.svc.HandleGenerateJob(context.Background(), &jobs.Job{
		WorkspaceID: "ws-1",
		Payload:     manifest.Map{"template_id": "nope", "entity_id": "e", "record_id": "r"},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeDocTemplateNotFound, apperr.CodeOf(err))
}

func TestHandleCleanupJob_RemovesExpiredSourceOnly(t *testing.T) {
	f := newDocFixture(t)
	ctx := context.Background()

	blob, err := f.svc.blobs.Store(ctx, "ws-1", "old.pdf", []byte("old"))
	require.NoError(t, err)
	old := f.attachments.Create(ctx, "ws-1", &storage.Attachment{
		Name: "old.pdf", Source: "quote", Key: blob.Key,
		CreatedAt: time.Now().UTC().Add(-72 * time.Hour),
	})
	fresh := f.attachments.Create(ctx, "ws-1", &storage.Attachment{
		Name: "fresh.pdf", Source: "quote", Key: "ws-1/fresh",
	})

	err = f.svc.HandleCleanupJob(ctx, &jobs.Job{
		WorkspaceID: "ws-1",
		Type:        jobs.TypeAttachmentsCleanup,
		Payload:     manifest.Map{"source": "quote", "hours": 24},
	})
	require.NoError(t, err)

	_, err = f.attachments.Get(ctx, "ws-1", old.ID)
	require.Error(t, err)
	_, err = f.attachments.Get(ctx, "ws-1", fresh.ID)
	require.NoError(t, err)
	_, err = f.svc.blobs.Read(ctx, blob.Key)
	require.Error(t, err)
}

func TestTemplateVersioning(t *testing.T) {
	f := newDocFixture(t)
	ctx := context.Background()

	tpl, err := f.templates.Create(ctx, "ws-1", &Template{Name: "q", HTML: "<p>v1</p>"})
	require.NoError(t, err)

	tpl.HTML = "<p>v2</p>"
	updated, err := f.templates.Update(ctx, "ws-1", tpl)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	hist := f.templates.History(ctx, "ws-1", tpl.ID)
	require.Len(t, hist, 1)
	assert.Equal(t, "<p>v1</p>", hist[0].HTML)
}
