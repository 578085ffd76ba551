// Package activity keeps the per-record chatter feed and user notifications.
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/appforge/internal/manifest"
)

// Entry event types.
const (
	TypeComment    = "comment"
	TypeChange     = "change"
	TypeAttachment = "attachment"
	TypeSystem     = "system"
)

// Author identifies who produced an entry.
type Author struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Entry is one chatter item on a record.
type Entry struct {
	ID        string       `json:"id"`
	EntityID  string       `json:"entity_id"`
	RecordID  string       `json:"record_id"`
	EventType string       `json:"event_type"`
	Author    Author       `json:"author"`
	Payload   manifest.Map `json:"payload,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Store keeps chatter entries in memory, newest-first per record.
type Store struct {
	mu      sync.RWMutex
	entries map[string][]*Entry // ws|entity|record
}

// NewStore creates an empty chatter store.
func NewStore() *Store {
	return &Store{entries: map[string][]*Entry{}}
}

func chatterKey(workspaceID, entityID, recordID string) string {
	return workspaceID + "|" + entityID + "|" + recordID
}

// Add appends an entry and returns it with id and timestamp filled.
func (s *Store) Add(_ context.Context, workspaceID string, e *Entry) *Entry {
	dup := *e
	dup.ID = uuid.New().String()
	dup.CreatedAt = time.Now().UTC()
	if dup.Payload != nil {
		dup.Payload = manifest.CopyManifest(e.Payload)
	}

	key := chatterKey(workspaceID, e.EntityID, e.RecordID)
	s.mu.Lock()
	s.entries[key] = append([]*Entry{&dup}, s.entries[key]...)
	s.mu.Unlock()
	return &dup
}

// List returns a record's entries newest-first.
func (s *Store) List(_ context.Context, workspaceID, entityID, recordID string) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.entries[chatterKey(workspaceID, entityID, recordID)]
	out := make([]*Entry, len(entries))
	copy(out, entries)
	return out
}

// Notification is one user-visible message with read state.
type Notification struct {
	ID        string       `json:"id"`
	UserID    string       `json:"user_id"`
	Title     string       `json:"title"`
	Body      string       `json:"body,omitempty"`
	Payload   manifest.Map `json:"payload,omitempty"`
	Read      bool         `json:"read"`
	CreatedAt time.Time    `json:"created_at"`
}

// Notifier stores notifications per user.
type Notifier struct {
	mu    sync.RWMutex
	byKey map[string][]*Notification // ws|user, newest first
}

// NewNotifier creates an empty notification store.
func NewNotifier() *Notifier {
	return &Notifier{byKey: map[string][]*Notification{}}
}

func notifKey(workspaceID, userID string) string { return workspaceID + "|" + userID }

// Notify creates a notification for one user.
func (n *Notifier) Notify(_ context.Context, workspaceID, userID, title, body string, payload manifest.Map) *Notification {
	notif := &Notification{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		Body:      body,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	key := notifKey(workspaceID, userID)
	n.mu.Lock()
	n.byKey[key] = append([]*Notification{notif}, n.byKey[key]...)
	n.mu.Unlock()
	return notif
}

// List returns a user's notifications newest-first, optionally unread-only.
func (n *Notifier) List(_ context.Context, workspaceID, userID string, unreadOnly bool) []*Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []*Notification
	for _, notif := range n.byKey[notifKey(workspaceID, userID)] {
		if unreadOnly && notif.Read {
			continue
		}
		dup := *notif
		out = append(out, &dup)
	}
	return out
}

// UnreadCount counts unread notifications.
func (n *Notifier) UnreadCount(_ context.Context, workspaceID, userID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	count := 0
	for _, notif := range n.byKey[notifKey(workspaceID, userID)] {
		if !notif.Read {
			count++
		}
	}
	return count
}

// MarkRead flips one notification to read. Returns false when unknown.
func (n *Notifier) MarkRead(_ context.Context, workspaceID, userID, notificationID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, notif := range n.byKey[notifKey(workspaceID, userID)] {
		if notif.ID == notificationID {
			notif.Read = true
			return true
		}
	}
	return false
}

// MarkAllRead flips every notification of a user to read and returns how many
// changed.
func (n *Notifier) MarkAllRead(_ context.Context, workspaceID, userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	changed := 0
	for _, notif := range n.byKey[notifKey(workspaceID, userID)] {
		if !notif.Read {
			notif.Read = true
			changed++
		}
	}
	return changed
}
