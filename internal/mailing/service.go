package mailing

import (
	"context"
	"strings"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/jobs"
	"github.com/ignite/appforge/internal/manifest"
	"github.com/ignite/appforge/internal/pkg/logger"
	"github.com/ignite/appforge/internal/secrets"
)

// Service composes emails into outbox rows and dispatches them through
// providers from the email.send job handler.
type Service struct {
	store     *Store
	secrets   *secrets.Box
	jobs      jobs.Store
	sandbox   *Sandbox
	providers map[string]Provider
	log       *logger.Logger
}

// NewService wires the mailing service with the SMTP and SES transports.
func NewService(store *Store, box *secrets.Box, jobStore jobs.Store) *Service {
	return &Service{
		store:   store,
		secrets: box,
		jobs:    jobStore,
		sandbox: NewSandbox(),
		providers: map[string]Provider{
			ProviderSMTP: NewSMTPProvider(),
			ProviderSES:  NewSESProvider(),
		},
		log: logger.With("mailing"),
	}
}

// Sandbox exposes the template sandbox for preview and validation callers.
func (s *Service) Sandbox() *Sandbox { return s.sandbox }

// RegisterProvider installs or replaces a transport for a provider kind.
func (s *Service) RegisterProvider(kind string, p Provider) {
	s.providers[kind] = p
}

// Store exposes the mailing store for the boundary layer.
func (s *Service) Store() *Store { return s.store }

// CreateConnection seals the plaintext secret and stores the connection. The
// secret never persists unencrypted.
func (s *Service) CreateConnection(ctx context.Context, workspaceID string, c *Connection, secret string) (*Connection, error) {
	if secret != "" {
		ref, err := s.secrets.Seal(secret)
		if err != nil {
			return nil, err
		}
		c.SecretRef = ref
	}
	return s.store.CreateConnection(ctx, workspaceID, c)
}

// ComposeAndEnqueue resolves connection, recipients, and templates from a
// send_email step input, writes a queued outbox row, and enqueues the
// email.send job under the step's idempotency key.
func (s *Service) ComposeAndEnqueue(ctx context.Context, workspaceID string, input manifest.Map, idempotencyKey string) error {
	renderCtx := renderContext(input)

	subjectTpl := manifest.Str(input, "subject")
	htmlTpl := manifest.Str(input, "html")
	textTpl := manifest.Str(input, "text")
	var tpl *Template
	if tplID := manifest.Str(input, "template_id"); tplID != "" {
		loaded, err := s.store.GetTemplate(ctx, workspaceID, tplID)
		if err != nil {
			return err
		}
		tpl = loaded
		if subjectTpl == "" {
			subjectTpl = tpl.Subject
		}
		if htmlTpl == "" {
			htmlTpl = tpl.HTML
		}
		if textTpl == "" {
			textTpl = tpl.Text
		}
	}
	if htmlTpl == "" && textTpl == "" {
		return apperr.New(apperr.CodeEmailSendFailed, "send_email step has neither template nor body")
	}

	conn, err := s.resolveConnection(ctx, workspaceID, manifest.Str(input, "connection_id"), tpl)
	if err != nil {
		return err
	}

	to, err := s.resolveRecipients(input, renderCtx)
	if err != nil {
		return err
	}

	subject, err := s.sandbox.Render(subjectTpl, renderCtx, false)
	if err != nil {
		return err
	}
	html, err := s.sandbox.Render(htmlTpl, renderCtx, false)
	if err != nil {
		return err
	}
	text, err := s.sandbox.Render(textTpl, renderCtx, false)
	if err != nil {
		return err
	}

	meta := manifest.Map{"idempotency_key": idempotencyKey}
	if tpl != nil {
		meta["template_id"] = tpl.ID
		meta["template_version"] = tpl.Version
	}
	row := s.store.CreateOutbox(ctx, workspaceID, &OutboxEmail{
		ConnectionID: conn.ID,
		To:           to,
		Subject:      subject,
		HTML:         html,
		Text:         text,
		Meta:         meta,
	})

	_, _, err = s.jobs.Enqueue(ctx, &jobs.Job{
		WorkspaceID: workspaceID,
		Type:        jobs.TypeEmailSend,
		Key:         idempotencyKey,
		Payload:     manifest.Map{"outbox_id": row.ID},
	})
	if err != nil {
		return err
	}
	s.log.Info("email queued", "workspace_id", workspaceID, "outbox_id", row.ID, "recipients", len(to))
	return nil
}

// HandleSendJob is the email.send job handler: load the outbox row and its
// connection, open the secret, call the provider, and mark the row sent.
func (s *Service) HandleSendJob(ctx context.Context, job *jobs.Job) error {
	outboxID := manifest.Str(job.Payload, "outbox_id")
	row, err := s.store.GetOutbox(ctx, job.WorkspaceID, outboxID)
	if err != nil {
		return err
	}
	if row.Status == OutboxSent {
		return nil
	}
	conn, err := s.store.GetConnection(ctx, job.WorkspaceID, row.ConnectionID)
	if err != nil {
		return err
	}
	provider, ok := s.providers[conn.Provider]
	if !ok {
		return apperr.New(apperr.CodeEmailSendFailed, "unknown email provider %q", conn.Provider)
	}

	secret := ""
	if conn.SecretRef != "" {
		secret, err = s.secrets.Open(conn.SecretRef)
		if err != nil {
			return err
		}
	}

	msg := &Message{
		To:        row.To,
		FromEmail: conn.FromEmail,
		FromName:  conn.FromName,
		Subject:   row.Subject,
		HTML:      row.HTML,
		Text:      row.Text,
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	providerMessageID, err := provider.Send(sendCtx, msg, conn, secret)
	if err != nil {
		if markErr := s.store.MarkOutboxFailed(ctx, job.WorkspaceID, row.ID, err.Error()); markErr != nil {
			s.log.Warn("outbox failure not recorded", "outbox_id", row.ID, "error", markErr.Error())
		}
		return err
	}
	if err := s.store.MarkOutboxSent(ctx, job.WorkspaceID, row.ID, providerMessageID); err != nil {
		return err
	}
	s.log.Info("email sent", "workspace_id", job.WorkspaceID, "outbox_id", row.ID, "provider_message_id", providerMessageID)
	return nil
}

// ValidateTemplate reports broken syntax, unknown filters, and variables the
// sample context does not define.
func (s *Service) ValidateTemplate(ctx context.Context, workspaceID, templateID string, sample manifest.Map) (*ValidationReport, error) {
	tpl, err := s.store.GetTemplate(ctx, workspaceID, templateID)
	if err != nil {
		return nil, err
	}
	return s.sandbox.ValidateTemplates([]LabeledTemplate{
		{Label: "subject", Text: tpl.Subject},
		{Label: "html", Text: tpl.HTML},
		{Label: "text", Text: tpl.Text},
	}, sample), nil
}

// Preview renders a template against a sample context without queueing
// anything.
func (s *Service) Preview(ctx context.Context, workspaceID, templateID string, sample manifest.Map) (manifest.Map, error) {
	tpl, err := s.store.GetTemplate(ctx, workspaceID, templateID)
	if err != nil {
		return nil, err
	}
	subject, err := s.sandbox.Render(tpl.Subject, sample, false)
	if err != nil {
		return nil, err
	}
	html, err := s.sandbox.Render(tpl.HTML, sample, false)
	if err != nil {
		return nil, err
	}
	text, err := s.sandbox.Render(tpl.Text, sample, false)
	if err != nil {
		return nil, err
	}
	return manifest.Map{"subject": subject, "html": html, "text": text}, nil
}

// SendTest queues a template send to an override recipient.
func (s *Service) SendTest(ctx context.Context, workspaceID, templateID, recipient string, sample manifest.Map) error {
	if recipient == "" {
		return apperr.New(apperr.CodeEmailSendFailed, "send_test requires a recipient")
	}
	input := manifest.Map{
		"template_id": templateID,
		"to":          recipient,
		"context":     sample,
	}
	return s.ComposeAndEnqueue(ctx, workspaceID, input, "")
}

// resolveConnection resolves explicit connection, then template default, then
// workspace default.
func (s *Service) resolveConnection(ctx context.Context, workspaceID, explicitID string, tpl *Template) (*Connection, error) {
	if explicitID != "" {
		return s.store.GetConnection(ctx, workspaceID, explicitID)
	}
	if tpl != nil && tpl.ConnectionID != "" {
		return s.store.GetConnection(ctx, workspaceID, tpl.ConnectionID)
	}
	return s.store.DefaultConnection(ctx, workspaceID)
}

// resolveRecipients merges the explicit to list with a rendered to_expr.
func (s *Service) resolveRecipients(input, renderCtx manifest.Map) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}

	switch v := input["to"].(type) {
	case string:
		add(v)
	case []interface{}:
		for _, item := range v {
			if addr, ok := item.(string); ok {
				add(addr)
			}
		}
	case []string:
		for _, addr := range v {
			add(addr)
		}
	}

	if expr := manifest.Str(input, "to_expr"); expr != "" {
		rendered, err := s.sandbox.Render(expr, renderCtx, false)
		if err != nil {
			return nil, err
		}
		for _, addr := range strings.FieldsFunc(rendered, func(r rune) bool {
			return r == ',' || r == ';' || r == ' ' || r == '\n'
		}) {
			add(addr)
		}
	}

	if len(out) == 0 {
		return nil, apperr.New(apperr.CodeEmailSendFailed, "no recipients resolved")
	}
	return out, nil
}

// renderContext extracts the template context from a step input. The engine
// passes the trigger payload under "context"; absent that, the whole input is
// the context.
func renderContext(input manifest.Map) manifest.Map {
	if ctxVal, ok := input["context"].(map[string]interface{}); ok {
		return ctxVal
	}
	return input
}
