package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/appforge/internal/apperr"
)

// Attachment ties a stored blob to a record.
type Attachment struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	EntityID    string    `json:"entity_id,omitempty"`
	RecordID    string    `json:"record_id,omitempty"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	Key         string    `json:"key"`
	Source      string    `json:"source,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AttachmentStore keeps attachment rows in memory.
type AttachmentStore struct {
	mu    sync.RWMutex
	rows  map[string]*Attachment // ws|id
	order []string
}

// NewAttachmentStore creates an empty attachment store.
func NewAttachmentStore() *AttachmentStore {
	return &AttachmentStore{rows: map[string]*Attachment{}}
}

func attKey(workspaceID, id string) string { return workspaceID + "|" + id }

// Create stores an attachment row.
func (s *AttachmentStore) Create(_ context.Context, workspaceID string, a *Attachment) *Attachment {
	dup := *a
	dup.ID = uuid.New().String()
	dup.WorkspaceID = workspaceID
	if dup.CreatedAt.IsZero() {
		dup.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.rows[attKey(workspaceID, dup.ID)] = &dup
	s.order = append(s.order, attKey(workspaceID, dup.ID))
	s.mu.Unlock()
	out := dup
	return &out
}

// Get returns one attachment.
func (s *AttachmentStore) Get(_ context.Context, workspaceID, id string) (*Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.rows[attKey(workspaceID, id)]
	if !ok {
		return nil, apperr.New(apperr.CodeStorageFailed, "attachment %s not found", id)
	}
	dup := *a
	return &dup, nil
}

// Link binds an attachment to a record.
func (s *AttachmentStore) Link(_ context.Context, workspaceID, id, entityID, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[attKey(workspaceID, id)]
	if !ok {
		return apperr.New(apperr.CodeStorageFailed, "attachment %s not found", id)
	}
	a.EntityID = entityID
	a.RecordID = recordID
	return nil
}

// ListForRecord returns a record's attachments in creation order.
func (s *AttachmentStore) ListForRecord(_ context.Context, workspaceID, entityID, recordID string) []*Attachment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Attachment
	for _, k := range s.order {
		a, ok := s.rows[k]
		if ok && a.WorkspaceID == workspaceID && a.EntityID == entityID && a.RecordID == recordID {
			dup := *a
			out = append(out, &dup)
		}
	}
	return out
}

// Delete removes an attachment row and reports its blob key for cleanup.
func (s *AttachmentStore) Delete(_ context.Context, workspaceID, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := attKey(workspaceID, id)
	a, ok := s.rows[k]
	if !ok {
		return "", apperr.New(apperr.CodeStorageFailed, "attachment %s not found", id)
	}
	delete(s.rows, k)
	return a.Key, nil
}

// ExpiredBefore returns attachments from one source older than the cutoff,
// used by the attachments.cleanup job.
func (s *AttachmentStore) ExpiredBefore(_ context.Context, workspaceID, source string, cutoff time.Time) []*Attachment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Attachment
	for _, k := range s.order {
		a, ok := s.rows[k]
		if ok && a.WorkspaceID == workspaceID && a.Source == source && a.CreatedAt.Before(cutoff) {
			dup := *a
			out = append(out, &dup)
		}
	}
	return out
}
