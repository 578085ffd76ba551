package docs

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ignite/appforge/internal/activity"
	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/jobs"
	"github.com/ignite/appforge/internal/mailing"
	"github.com/ignite/appforge/internal/manifest"
	"github.com/ignite/appforge/internal/pkg/logger"
	"github.com/ignite/appforge/internal/records"
	"github.com/ignite/appforge/internal/storage"
)

// Service runs the doc.generate and attachments.cleanup job handlers.
type Service struct {
	templates   *Store
	records     *records.Service
	sandbox     *mailing.Sandbox
	renderer    Renderer
	blobs       *storage.Service
	attachments *storage.AttachmentStore
	chatter     *activity.Store
	log         *logger.Logger
}

// NewService wires the document service.
func NewService(templates *Store, recs *records.Service, renderer Renderer, blobs *storage.Service, attachments *storage.AttachmentStore, chatter *activity.Store) *Service {
	return &Service{
		templates:   templates,
		records:     recs,
		sandbox:     mailing.NewSandbox(),
		renderer:    renderer,
		blobs:       blobs,
		attachments: attachments,
		chatter:     chatter,
		log:         logger.With("docs"),
	}
}

// Store exposes the template store for the boundary layer.
func (s *Service) Store() *Store { return s.templates }

// UploadAttachment stores raw bytes and, when a record is named, binds the
// attachment to it with an activity entry.
func (s *Service) UploadAttachment(ctx context.Context, workspaceID, entityID, recordID, name, contentType string, data []byte, author activity.Author) (*storage.Attachment, error) {
	if name == "" || len(data) == 0 {
		return nil, apperr.New(apperr.CodeStorageFailed, "attachment needs a name and a non-empty body")
	}
	if entityID != "" && recordID != "" {
		if _, err := s.records.Store().Get(ctx, workspaceID, entityID, recordID); err != nil {
			return nil, err
		}
	}

	blob, err := s.blobs.Store(ctx, workspaceID, name, data)
	if err != nil {
		return nil, err
	}
	att := s.attachments.Create(ctx, workspaceID, &storage.Attachment{
		EntityID:    entityID,
		RecordID:    recordID,
		Name:        name,
		ContentType: contentType,
		Size:        blob.Size,
		SHA256:      blob.SHA256,
		Key:         blob.Key,
		Source:      "upload",
	})
	if entityID != "" && recordID != "" {
		s.chatter.Add(ctx, workspaceID, &activity.Entry{
			EntityID:  entityID,
			RecordID:  recordID,
			EventType: activity.TypeAttachment,
			Author:    author,
			Payload: manifest.Map{
				"attachment_id": att.ID,
				"name":          name,
				"size":          blob.Size,
			},
		})
	}
	return att, nil
}

// LinkAttachment binds an existing attachment to a record.
func (s *Service) LinkAttachment(ctx context.Context, workspaceID, attachmentID, entityID, recordID string) (*storage.Attachment, error) {
	if _, err := s.records.Store().Get(ctx, workspaceID, entityID, recordID); err != nil {
		return nil, err
	}
	if err := s.attachments.Link(ctx, workspaceID, attachmentID, entityID, recordID); err != nil {
		return nil, err
	}
	return s.attachments.Get(ctx, workspaceID, attachmentID)
}

// ListAttachments returns a record's attachments in creation order.
func (s *Service) ListAttachments(ctx context.Context, workspaceID, entityID, recordID string) []*storage.Attachment {
	return s.attachments.ListForRecord(ctx, workspaceID, entityID, recordID)
}

// ReadAttachment returns an attachment row and its bytes.
func (s *Service) ReadAttachment(ctx context.Context, workspaceID, attachmentID string) (*storage.Attachment, []byte, error) {
	att, err := s.attachments.Get(ctx, workspaceID, attachmentID)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.blobs.Read(ctx, att.Key)
	if err != nil {
		return nil, nil, err
	}
	return att, data, nil
}

// DeleteAttachment removes the row and its blob.
func (s *Service) DeleteAttachment(ctx context.Context, workspaceID, attachmentID string) error {
	key, err := s.attachments.Delete(ctx, workspaceID, attachmentID)
	if err != nil {
		return err
	}
	return s.blobs.Delete(ctx, key)
}

// HandleGenerateJob is the doc.generate handler: load the template and record,
// render HTML, convert to PDF, store bytes, link an attachment row.
func (s *Service) HandleGenerateJob(ctx context.Context, job *jobs.Job) error {
	templateID := manifest.Str(job.Payload, "template_id")
	entityID := manifest.Str(job.Payload, "entity_id")
	recordID := manifest.Str(job.Payload, "record_id")
	if templateID == "" || entityID == "" || recordID == "" {
		return apperr.New(apperr.CodeDocRenderFailed, "doc.generate payload needs template_id, entity_id, record_id")
	}

	tpl, err := s.templates.Get(ctx, job.WorkspaceID, templateID)
	if err != nil {
		return err
	}
	rec, err := s.records.Store().Get(ctx, job.WorkspaceID, entityID, recordID)
	if err != nil {
		return err
	}

	renderCtx := manifest.Map{"record": rec}
	if trig, ok := job.Payload["trigger"].(map[string]interface{}); ok {
		renderCtx["trigger"] = trig
	}
	html, err := s.sandbox.Render(tpl.HTML, renderCtx, false)
	if err != nil {
		return err
	}
	header, err := s.sandbox.Render(tpl.Header, renderCtx, false)
	if err != nil {
		return err
	}
	footer, err := s.sandbox.Render(tpl.Footer, renderCtx, false)
	if err != nil {
		return err
	}

	opts, err := NormalizeOptions(tpl.Paper, tpl.Margins, header, footer)
	if err != nil {
		return err
	}
	pdf, err := s.renderer.RenderPDF(ctx, html, opts)
	if err != nil {
		return apperr.New(apperr.CodeDocRenderFailed, "pdf render: %v", err)
	}

	name := fmt.Sprintf("%s.pdf", tpl.Name)
	blob, err := s.blobs.Store(ctx, job.WorkspaceID, name, pdf)
	if err != nil {
		return err
	}
	att := s.attachments.Create(ctx, job.WorkspaceID, &storage.Attachment{
		EntityID:    entityID,
		RecordID:    recordID,
		Name:        name,
		ContentType: "application/pdf",
		Size:        blob.Size,
		SHA256:      blob.SHA256,
		Key:         blob.Key,
		Source:      manifest.Str(job.Payload, "purpose"),
	})

	s.chatter.Add(ctx, job.WorkspaceID, &activity.Entry{
		EntityID:  entityID,
		RecordID:  recordID,
		EventType: activity.TypeAttachment,
		Author:    activity.Author{ID: "system", Name: "System"},
		Payload: manifest.Map{
			"attachment_id": att.ID,
			"name":          name,
			"size":          blob.Size,
		},
	})
	s.log.Info("document generated", "workspace_id", job.WorkspaceID, "template_id", templateID, "attachment_id", att.ID, "bytes", blob.Size)
	return nil
}

// HandleCleanupJob is the attachments.cleanup handler: delete attachments of
// one source older than the given hours, blobs included.
func (s *Service) HandleCleanupJob(ctx context.Context, job *jobs.Job) error {
	source := manifest.Str(job.Payload, "source")
	hours := payloadHours(job.Payload)
	if source == "" || hours <= 0 {
		return apperr.New(apperr.CodeStorageFailed, "attachments.cleanup payload needs source and hours")
	}

	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	expired := s.attachments.ExpiredBefore(ctx, job.WorkspaceID, source, cutoff)
	for _, att := range expired {
		key, err := s.attachments.Delete(ctx, job.WorkspaceID, att.ID)
		if err != nil {
			return err
		}
		if err := s.blobs.Delete(ctx, key); err != nil {
			return err
		}
	}
	s.log.Info("attachments cleaned", "workspace_id", job.WorkspaceID, "source", source, "removed", len(expired))
	return nil
}

func payloadHours(p manifest.Map) int {
	switch v := p["hours"].(type) {
	case int:
		return v
	case float64:
		return int(math.Round(v))
	}
	return 0
}
