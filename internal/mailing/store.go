package mailing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/appforge/internal/apperr"
)

// Store keeps connections, templates with history, and the email outbox.
type Store struct {
	mu          sync.RWMutex
	connections map[string]*Connection // ws|id
	connOrder   []string
	templates   map[string]*Template // ws|id
	tplOrder    []string
	tplHistory  map[string][]*Template // ws|id, newest first
	outbox      map[string]*OutboxEmail // ws|id
	outOrder    []string
}

// NewStore creates an empty mailing store.
func NewStore() *Store {
	return &Store{
		connections: map[string]*Connection{},
		templates:   map[string]*Template{},
		tplHistory:  map[string][]*Template{},
		outbox:      map[string]*OutboxEmail{},
	}
}

func mailKey(workspaceID, id string) string { return workspaceID + "|" + id }

// CreateConnection stores a connection. The first connection of a workspace
// becomes the default.
func (s *Store) CreateConnection(_ context.Context, workspaceID string, c *Connection) (*Connection, error) {
	if c.FromEmail == "" {
		return nil, apperr.New(apperr.CodeEmailConnectionNotFound, "connection requires a from_email")
	}
	dup := *c
	dup.ID = uuid.New().String()
	dup.WorkspaceID = workspaceID
	dup.CreatedAt = time.Now().UTC()
	dup.UpdatedAt = dup.CreatedAt

	s.mu.Lock()
	defer s.mu.Unlock()
	hasDefault := false
	for _, k := range s.connOrder {
		if conn, ok := s.connections[k]; ok && conn.WorkspaceID == workspaceID && conn.IsDefault {
			hasDefault = true
			break
		}
	}
	if !hasDefault {
		dup.IsDefault = true
	}
	s.connections[mailKey(workspaceID, dup.ID)] = &dup
	s.connOrder = append(s.connOrder, mailKey(workspaceID, dup.ID))
	out := dup
	return &out, nil
}

// GetConnection returns one connection.
func (s *Store) GetConnection(_ context.Context, workspaceID, id string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connections[mailKey(workspaceID, id)]
	if !ok {
		return nil, apperr.New(apperr.CodeEmailConnectionNotFound, "email connection %s not found", id)
	}
	dup := *c
	return &dup, nil
}

// DefaultConnection returns the workspace default.
func (s *Store) DefaultConnection(_ context.Context, workspaceID string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.connOrder {
		c, ok := s.connections[k]
		if ok && c.WorkspaceID == workspaceID && c.IsDefault {
			dup := *c
			return &dup, nil
		}
	}
	return nil, apperr.New(apperr.CodeEmailConnectionNotFound, "workspace %s has no default email connection", workspaceID)
}

// ListConnections returns a workspace's connections in creation order.
func (s *Store) ListConnections(_ context.Context, workspaceID string) []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Connection
	for _, k := range s.connOrder {
		c, ok := s.connections[k]
		if ok && c.WorkspaceID == workspaceID {
			dup := *c
			out = append(out, &dup)
		}
	}
	return out
}

// SetDefaultConnection moves the default flag.
func (s *Store) SetDefaultConnection(_ context.Context, workspaceID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.connections[mailKey(workspaceID, id)]
	if !ok {
		return apperr.New(apperr.CodeEmailConnectionNotFound, "email connection %s not found", id)
	}
	for _, k := range s.connOrder {
		if c, exists := s.connections[k]; exists && c.WorkspaceID == workspaceID {
			c.IsDefault = false
		}
	}
	target.IsDefault = true
	target.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteConnection removes a connection.
func (s *Store) DeleteConnection(_ context.Context, workspaceID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := mailKey(workspaceID, id)
	if _, ok := s.connections[k]; !ok {
		return apperr.New(apperr.CodeEmailConnectionNotFound, "email connection %s not found", id)
	}
	delete(s.connections, k)
	return nil
}

// CreateTemplate stores a template at version 1.
func (s *Store) CreateTemplate(_ context.Context, workspaceID string, t *Template) (*Template, error) {
	dup := *t
	dup.ID = uuid.New().String()
	dup.WorkspaceID = workspaceID
	dup.Version = 1
	dup.CreatedAt = time.Now().UTC()
	dup.UpdatedAt = dup.CreatedAt

	s.mu.Lock()
	s.templates[mailKey(workspaceID, dup.ID)] = &dup
	s.tplOrder = append(s.tplOrder, mailKey(workspaceID, dup.ID))
	s.mu.Unlock()
	out := dup
	return &out, nil
}

// GetTemplate returns one template.
func (s *Store) GetTemplate(_ context.Context, workspaceID, id string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[mailKey(workspaceID, id)]
	if !ok {
		return nil, apperr.New(apperr.CodeDocTemplateNotFound, "email template %s not found", id)
	}
	dup := *t
	return &dup, nil
}

// UpdateTemplate bumps the version and keeps the prior body in history.
func (s *Store) UpdateTemplate(_ context.Context, workspaceID string, t *Template) (*Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := mailKey(workspaceID, t.ID)
	existing, ok := s.templates[k]
	if !ok {
		return nil, apperr.New(apperr.CodeDocTemplateNotFound, "email template %s not found", t.ID)
	}
	prior := *existing
	s.tplHistory[k] = append([]*Template{&prior}, s.tplHistory[k]...)

	dup := *t
	dup.WorkspaceID = workspaceID
	dup.Version = existing.Version + 1
	dup.CreatedAt = existing.CreatedAt
	dup.UpdatedAt = time.Now().UTC()
	s.templates[k] = &dup
	out := dup
	return &out, nil
}

// TemplateHistory returns prior versions newest-first.
func (s *Store) TemplateHistory(_ context.Context, workspaceID, id string) []*Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := s.tplHistory[mailKey(workspaceID, id)]
	out := make([]*Template, len(hist))
	for i, t := range hist {
		dup := *t
		out[i] = &dup
	}
	return out
}

// ListTemplates returns a workspace's templates in creation order.
func (s *Store) ListTemplates(_ context.Context, workspaceID string) []*Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Template
	for _, k := range s.tplOrder {
		t, ok := s.templates[k]
		if ok && t.WorkspaceID == workspaceID {
			dup := *t
			out = append(out, &dup)
		}
	}
	return out
}

// DeleteTemplate removes a template and its history.
func (s *Store) DeleteTemplate(_ context.Context, workspaceID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := mailKey(workspaceID, id)
	if _, ok := s.templates[k]; !ok {
		return apperr.New(apperr.CodeDocTemplateNotFound, "email template %s not found", id)
	}
	delete(s.templates, k)
	delete(s.tplHistory, k)
	return nil
}

// CreateOutbox stores a queued outbox row.
func (s *Store) CreateOutbox(_ context.Context, workspaceID string, e *OutboxEmail) *OutboxEmail {
	dup := *e
	dup.ID = uuid.New().String()
	dup.WorkspaceID = workspaceID
	dup.Status = OutboxQueued
	dup.To = append([]string(nil), e.To...)
	dup.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	s.outbox[mailKey(workspaceID, dup.ID)] = &dup
	s.outOrder = append(s.outOrder, mailKey(workspaceID, dup.ID))
	s.mu.Unlock()
	out := dup
	return &out
}

// GetOutbox returns one outbox row.
func (s *Store) GetOutbox(_ context.Context, workspaceID, id string) (*OutboxEmail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.outbox[mailKey(workspaceID, id)]
	if !ok {
		return nil, apperr.New(apperr.CodeEmailSendFailed, "outbox row %s not found", id)
	}
	dup := *e
	dup.To = append([]string(nil), e.To...)
	return &dup, nil
}

// MarkOutboxSent records a successful provider dispatch.
func (s *Store) MarkOutboxSent(_ context.Context, workspaceID, id, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.outbox[mailKey(workspaceID, id)]
	if !ok {
		return apperr.New(apperr.CodeEmailSendFailed, "outbox row %s not found", id)
	}
	now := time.Now().UTC()
	e.Status = OutboxSent
	e.ProviderMessageID = providerMessageID
	e.SentAt = &now
	e.LastError = ""
	return nil
}

// MarkOutboxFailed records the latest dispatch failure.
func (s *Store) MarkOutboxFailed(_ context.Context, workspaceID, id, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.outbox[mailKey(workspaceID, id)]
	if !ok {
		return apperr.New(apperr.CodeEmailSendFailed, "outbox row %s not found", id)
	}
	e.Status = OutboxFailed
	e.LastError = lastError
	return nil
}

// ListOutbox returns a workspace's outbox rows newest-first.
func (s *Store) ListOutbox(_ context.Context, workspaceID string) []*OutboxEmail {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*OutboxEmail
	for i := len(s.outOrder) - 1; i >= 0; i-- {
		e, ok := s.outbox[s.outOrder[i]]
		if ok && e.WorkspaceID == workspaceID {
			dup := *e
			out = append(out, &dup)
		}
	}
	return out
}
