// Package docs owns document templates and PDF generation: the doc.generate
// job renders a template against a record, converts the HTML to PDF through
// the renderer boundary, stores the bytes, and links an attachment row to the
// record.
package docs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/appforge/internal/apperr"
)

// Template is one printable document definition.
type Template struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	HTML        string    `json:"html"`
	Paper       string    `json:"paper,omitempty"`
	Margins     Margins   `json:"margins,omitempty"`
	Header      string    `json:"header,omitempty"`
	Footer      string    `json:"footer,omitempty"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store keeps document templates with version history.
type Store struct {
	mu      sync.RWMutex
	rows    map[string]*Template // ws|id
	order   []string
	history map[string][]*Template
}

// NewStore creates an empty template store.
func NewStore() *Store {
	return &Store{rows: map[string]*Template{}, history: map[string][]*Template{}}
}

func docKey(workspaceID, id string) string { return workspaceID + "|" + id }

// Create stores a template at version 1.
func (s *Store) Create(_ context.Context, workspaceID string, t *Template) (*Template, error) {
	if t.HTML == "" {
		return nil, apperr.New(apperr.CodeDocRenderFailed, "document template requires html")
	}
	dup := *t
	dup.ID = uuid.New().String()
	dup.WorkspaceID = workspaceID
	dup.Version = 1
	dup.CreatedAt = time.Now().UTC()
	dup.UpdatedAt = dup.CreatedAt

	s.mu.Lock()
	s.rows[docKey(workspaceID, dup.ID)] = &dup
	s.order = append(s.order, docKey(workspaceID, dup.ID))
	s.mu.Unlock()
	out := dup
	return &out, nil
}

// Get returns one template.
func (s *Store) Get(_ context.Context, workspaceID, id string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.rows[docKey(workspaceID, id)]
	if !ok {
		return nil, apperr.New(apperr.CodeDocTemplateNotFound, "document template %s not found", id)
	}
	dup := *t
	return &dup, nil
}

// Update bumps the version and keeps the prior body in history.
func (s *Store) Update(_ context.Context, workspaceID string, t *Template) (*Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := docKey(workspaceID, t.ID)
	existing, ok := s.rows[k]
	if !ok {
		return nil, apperr.New(apperr.CodeDocTemplateNotFound, "document template %s not found", t.ID)
	}
	prior := *existing
	s.history[k] = append([]*Template{&prior}, s.history[k]...)

	dup := *t
	dup.WorkspaceID = workspaceID
	dup.Version = existing.Version + 1
	dup.CreatedAt = existing.CreatedAt
	dup.UpdatedAt = time.Now().UTC()
	s.rows[k] = &dup
	out := dup
	return &out, nil
}

// History returns prior versions newest-first.
func (s *Store) History(_ context.Context, workspaceID, id string) []*Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := s.history[docKey(workspaceID, id)]
	out := make([]*Template, len(hist))
	for i, t := range hist {
		dup := *t
		out[i] = &dup
	}
	return out
}

// List returns a workspace's templates in creation order.
func (s *Store) List(_ context.Context, workspaceID string) []*Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Template
	for _, k := range s.order {
		t, ok := s.rows[k]
		if ok && t.WorkspaceID == workspaceID {
			dup := *t
			out = append(out, &dup)
		}
	}
	return out
}

// Delete removes a template and its history.
func (s *Store) Delete(_ context.Context, workspaceID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := docKey(workspaceID, id)
	if _, ok := s.rows[k]; !ok {
		return apperr.New(apperr.CodeDocTemplateNotFound, "document template %s not found", id)
	}
	delete(s.rows, k)
	delete(s.history, k)
	return nil
}
