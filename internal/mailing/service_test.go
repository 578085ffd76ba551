package mailing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/jobs"
	"github.com/ignite/appforge/internal/manifest"
	"github.com/ignite/appforge/internal/secrets"
)

// fakeProvider fails the first failUntil calls, then succeeds.
type fakeProvider struct {
	calls     int
	failUntil int
	lastMsg   *Message
	lastConn  *Connection
	lastKey   string
}

func (p *fakeProvider) Send(_ context.Context, msg *Message, conn *Connection, secret string) (string, error) {
	p.calls++
	p.lastMsg = msg
	p.lastConn = conn
	p.lastKey = secret
	if p.calls <= p.failUntil {
		return "", errors.New("smtp 421 try again later")
	}
	return "msg-abc", nil
}

type mailFixture struct {
	svc      *Service
	store    *Store
	jobStore *jobs.MemoryStore
	worker   *jobs.Worker
	provider *fakeProvider
	box      *secrets.Box
}

func newMailFixture(t *testing.T, failUntil int) *mailFixture {
	t.Helper()
	box, err := secrets.New("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	store := NewStore()
	jobStore := jobs.NewMemoryStore()
	svc := NewService(store, box, jobStore)
	provider := &fakeProvider{failUntil: failUntil}
	svc.RegisterProvider(ProviderSMTP, provider)

	worker := jobs.NewWorker(jobStore, time.Second, 10)
	worker.Register(jobs.TypeEmailSend, svc.HandleSendJob)

	return &mailFixture{svc: svc, store: store, jobStore: jobStore, worker: worker, provider: provider, box: box}
}

func (f *mailFixture) addConnection(t *testing.T, ws, password string) *Connection {
	t.Helper()
	sealed := ""
	if password != "" {
		var err error
		sealed, err = f.box.Seal(password)
		require.NoError(t, err)
	}
	conn, err := f.store.CreateConnection(context.Background(), ws, &Connection{
		Name:      "ops relay",
		Provider:  ProviderSMTP,
		Host:      "relay.internal",
		Port:      587,
		Security:  SecurityStartTLS,
		Username:  "mailer",
		SecretRef: sealed,
		FromEmail: "ops@example.com",
		FromName:  "Ops",
	})
	require.NoError(t, err)
	return conn
}

// runDue drains the queue, rewinding retry run_at so backoff does not stall
// the test clock.
func (f *mailFixture) runDue(t *testing.T, ws string) {
	t.Helper()
	for i := 0; i < 20; i++ {
		n, err := f.worker.RunOnce(context.Background())
		require.NoError(t, err)
		queued, err := f.jobStore.List(context.Background(), ws, jobs.StatusQueued, 50)
		require.NoError(t, err)
		if n == 0 && len(queued) == 0 {
			return
		}
		for _, j := range queued {
			j.RunAt = time.Now().UTC().Add(-time.Second)
			require.NoError(t, f.jobStore.Update(context.Background(), j))
		}
	}
	t.Fatal("queue never drained")
}

func TestComposeAndEnqueue_TemplateAndRecipients(t *testing.T) {
	f := newMailFixture(t, 0)
	ctx := context.Background()
	conn := f.addConnection(t, "ws-1", "hunter2")

	tpl, err := f.store.CreateTemplate(ctx, "ws-1", &Template{
		Name:    "welcome",
		Subject: "Welcome {{ user.name }}",
		HTML:    "<p>Hi {{ user.name | title }}</p>",
	})
	require.NoError(t, err)

	err = f.svc.ComposeAndEnqueue(ctx, "ws-1", manifest.Map{
		"template_id": tpl.ID,
		"to":          []interface{}{"a@example.com", "a@example.com"},
		"to_expr":     "{{ user.email }}, b@example.com",
		"context": manifest.Map{
			"user": manifest.Map{"name": "ada", "email": "ada@example.com"},
		},
	}, "run-1:s1:1")
	require.NoError(t, err)

	rows := f.store.ListOutbox(ctx, "ws-1")
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, OutboxQueued, row.Status)
	assert.Equal(t, conn.ID, row.ConnectionID)
	assert.Equal(t, []string{"a@example.com", "ada@example.com", "b@example.com"}, row.To)
	assert.Equal(t, "Welcome ada", row.Subject)
	assert.Equal(t, "<p>Hi Ada</p>", row.HTML)
	assert.Equal(t, "run-1:s1:1", row.Meta["idempotency_key"])

	queued, err := f.jobStore.List(ctx, "ws-1", jobs.StatusQueued, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, jobs.TypeEmailSend, queued[0].Type)
	assert.Equal(t, "run-1:s1:1", queued[0].Key)
	assert.Equal(t, row.ID, queued[0].Payload["outbox_id"])
}

func TestComposeAndEnqueue_NoRecipientsFails(t *testing.T) {
	f := newMailFixture(t, 0)
	f.addConnection(t, "ws-1", "")

	err := f.svc.ComposeAndEnqueue(context.Background(), "ws-1", manifest.Map{
		"html": "<p>hello</p>",
	}, "k1")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeEmailSendFailed, apperr.CodeOf(err))
	assert.Empty(t, f.store.ListOutbox(context.Background(), "ws-1"))
}

func TestComposeAndEnqueue_NoDefaultConnection(t *testing.T) {
	f := newMailFixture(t, 0)
	err := f.svc.ComposeAndEnqueue(context.Background(), "ws-1", manifest.Map{
		"to":   "a@example.com",
		"html": "<p>hello</p>",
	}, "k1")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeEmailConnectionNotFound, apperr.CodeOf(err))
}

func TestSendJob_RetriesThenSent(t *testing.T) {
	f := newMailFixture(t, 3)
	ctx := context.Background()
	f.addConnection(t, "ws-1", "hunter2")

	err := f.svc.ComposeAndEnqueue(ctx, "ws-1", manifest.Map{
		"to":      "a@example.com",
		"subject": "Hello",
		"html":    "<p>hello</p>",
	}, "k-retry")
	require.NoError(t, err)

	f.runDue(t, "ws-1")

	assert.Equal(t, 4, f.provider.calls)
	rows := f.store.ListOutbox(ctx, "ws-1")
	require.Len(t, rows, 1)
	assert.Equal(t, OutboxSent, rows[0].Status)
	assert.Equal(t, "msg-abc", rows[0].ProviderMessageID)
	require.NotNil(t, rows[0].SentAt)

	// opened secret reached the provider
	assert.Equal(t, "hunter2", f.provider.lastKey)
	assert.Equal(t, "ops@example.com", f.provider.lastMsg.FromEmail)

	done, err := f.jobStore.List(ctx, "ws-1", jobs.StatusSucceeded, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, 4, done[0].Attempt)
}

func TestSendJob_AlwaysFailingGoesDead(t *testing.T) {
	f := newMailFixture(t, 1000)
	ctx := context.Background()
	f.addConnection(t, "ws-1", "")

	require.NoError(t, f.svc.ComposeAndEnqueue(ctx, "ws-1", manifest.Map{
		"to":   "a@example.com",
		"html": "<p>hello</p>",
	}, "k-dead"))

	f.runDue(t, "ws-1")

	dead, err := f.jobStore.List(ctx, "ws-1", jobs.StatusDead, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, jobs.DefaultMaxAttempts, dead[0].Attempt)

	rows := f.store.ListOutbox(ctx, "ws-1")
	require.Len(t, rows, 1)
	assert.Equal(t, OutboxFailed, rows[0].Status)
	assert.Contains(t, rows[0].LastError, "421")
}

func TestSendJob_CorruptSecretFailsWithoutRetry(t *testing.T) {
	f := newMailFixture(t, 0)
	ctx := context.Background()
	conn := f.addConnection(t, "ws-1", "hunter2")
	conn.SecretRef = "not-base64!!"
	// re-point the stored connection at the corrupt ref
	stored := f.store.connections[mailKey("ws-1", conn.ID)]
	stored.SecretRef = "not-base64!!"

	require.NoError(t, f.svc.ComposeAndEnqueue(ctx, "ws-1", manifest.Map{
		"to":   "a@example.com",
		"html": "<p>hello</p>",
	}, "k-secret"))

	f.runDue(t, "ws-1")

	failed, err := f.jobStore.List(ctx, "ws-1", jobs.StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempt)
	assert.Equal(t, 0, f.provider.calls)
}

func TestSendJob_SentRowIsIdempotent(t *testing.T) {
	f := newMailFixture(t, 0)
	ctx := context.Background()
	f.addConnection(t, "ws-1", "")

	require.NoError(t, f.svc.ComposeAndEnqueue(ctx, "ws-1", manifest.Map{
		"to":   "a@example.com",
		"html": "<p>hello</p>",
	}, "k-idem"))
	f.runDue(t, "ws-1")
	require.Equal(t, 1, f.provider.calls)

	rows := f.store.ListOutbox(ctx, "ws-1")
	require.Len(t, rows, 1)
	// replaying the job against a sent row does not re-send
	err := f.svc.HandleSendJob(ctx, &jobs.Job{
		WorkspaceID: "ws-1",
		Payload:     manifest.Map{"outbox_id": rows[0].ID},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.provider.calls)
}

func TestTemplateVersionHistory(t *testing.T) {
	f := newMailFixture(t, 0)
	ctx := context.Background()

	tpl, err := f.store.CreateTemplate(ctx, "ws-1", &Template{Name: "n", Subject: "v1", HTML: "<p>1</p>"})
	require.NoError(t, err)
	assert.Equal(t, 1, tpl.Version)

	tpl.Subject = "v2"
	updated, err := f.store.UpdateTemplate(ctx, "ws-1", tpl)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	hist := f.store.TemplateHistory(ctx, "ws-1", tpl.ID)
	require.Len(t, hist, 1)
	assert.Equal(t, "v1", hist[0].Subject)
	assert.Equal(t, 1, hist[0].Version)
}

func TestPreviewAndValidate(t *testing.T) {
	f := newMailFixture(t, 0)
	ctx := context.Background()

	tpl, err := f.store.CreateTemplate(ctx, "ws-1", &Template{
		Name:    "order",
		Subject: "Order {{ order.number }}",
		HTML:    "<p>Total {{ order.total | round }}</p>",
	})
	require.NoError(t, err)

	out, err := f.svc.Preview(ctx, "ws-1", tpl.ID, manifest.Map{
		"order": manifest.Map{"number": "1001", "total": 12.4},
	})
	require.NoError(t, err)
	assert.Equal(t, "Order 1001", out["subject"])
	assert.Equal(t, "<p>Total 12</p>", out["html"])

	report, err := f.svc.ValidateTemplate(ctx, "ws-1", tpl.ID, manifest.Map{
		"order": manifest.Map{"number": "1001"},
	})
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Equal(t, []string{"order.number", "order.total"}, report.DeclaredVars)
	assert.Equal(t, []string{"order.total"}, report.UndefinedVars)
}

func TestSendTest_QueuesToOverrideRecipient(t *testing.T) {
	f := newMailFixture(t, 0)
	ctx := context.Background()
	f.addConnection(t, "ws-1", "")

	tpl, err := f.store.CreateTemplate(ctx, "ws-1", &Template{
		Name:    "welcome",
		Subject: "Hi {{ name }}",
		HTML:    "<p>Hi {{ name }}</p>",
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.SendTest(ctx, "ws-1", tpl.ID, "qa@example.com", manifest.Map{"name": "Ada"}))

	rows := f.store.ListOutbox(ctx, "ws-1")
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"qa@example.com"}, rows[0].To)
	assert.Equal(t, "Hi Ada", rows[0].Subject)
}

func TestDefaultConnectionMoves(t *testing.T) {
	f := newMailFixture(t, 0)
	ctx := context.Background()
	first := f.addConnection(t, "ws-1", "")
	second := f.addConnection(t, "ws-1", "")

	assert.True(t, first.IsDefault)
	assert.False(t, second.IsDefault)

	require.NoError(t, f.store.SetDefaultConnection(ctx, "ws-1", second.ID))
	def, err := f.store.DefaultConnection(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, def.ID)
}
