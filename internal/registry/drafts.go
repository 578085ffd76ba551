package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/manifest"
)

// Draft is a module's mutable working copy. Nothing in a draft affects the
// module head until it is installed.
type Draft struct {
	ModuleID       string            `json:"module_id"`
	Manifest       manifest.Manifest `json:"manifest"`
	BaseSnapshotID string            `json:"base_snapshot_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	UpdatedBy      string            `json:"updated_by,omitempty"`
}

// DraftVersion is one saved state of a draft, newest-first in listings.
type DraftVersion struct {
	ID               string             `json:"id"`
	Manifest         manifest.Manifest  `json:"manifest"`
	Note             string             `json:"note,omitempty"`
	ParentVersionID  string             `json:"parent_version_id,omitempty"`
	OpsApplied       []manifest.PatchOp `json:"ops_applied,omitempty"`
	ValidationErrors []*apperr.Error    `json:"validation_errors,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	CreatedBy        string             `json:"created_by,omitempty"`
}

type draftState struct {
	draft    *Draft
	versions []*DraftVersion // newest first
}

// DraftStore keeps per-module working copies and their version history in
// memory. Drafts are edit-time state; durability comes from installing.
type DraftStore struct {
	mu     sync.RWMutex
	drafts map[string]*draftState // ws|module
}

// NewDraftStore creates an empty draft store.
func NewDraftStore() *DraftStore {
	return &DraftStore{drafts: map[string]*draftState{}}
}

// Upsert replaces the working copy, preserving created_at and
// base_snapshot_id from the existing draft when the caller leaves them empty.
func (s *DraftStore) Upsert(workspaceID, moduleID string, m manifest.Manifest, updatedBy, baseSnapshotID string) *Draft {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopeKey(workspaceID, moduleID)
	now := time.Now().UTC()
	state := s.drafts[key]
	if state == nil {
		state = &draftState{}
		s.drafts[key] = state
	}

	draft := &Draft{
		ModuleID:       moduleID,
		Manifest:       manifest.CopyManifest(m),
		BaseSnapshotID: baseSnapshotID,
		CreatedAt:      now,
		UpdatedAt:      now,
		UpdatedBy:      updatedBy,
	}
	if prev := state.draft; prev != nil {
		draft.CreatedAt = prev.CreatedAt
		if draft.BaseSnapshotID == "" {
			draft.BaseSnapshotID = prev.BaseSnapshotID
		}
	}
	state.draft = draft
	return s.copyDraft(draft)
}

// Get returns the working copy, or nil.
func (s *DraftStore) Get(workspaceID, moduleID string) *Draft {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := s.drafts[scopeKey(workspaceID, moduleID)]
	if state == nil || state.draft == nil {
		return nil
	}
	return s.copyDraft(state.draft)
}

// List returns every module id with a working copy in the workspace.
func (s *DraftStore) List(workspaceID string) []*Draft {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Draft
	for key, state := range s.drafts {
		if state.draft == nil {
			continue
		}
		if len(key) > len(workspaceID) && key[:len(workspaceID)+1] == workspaceID+"|" {
			out = append(out, s.copyDraft(state.draft))
		}
	}
	return out
}

// CreateVersion appends a version entry and moves the working copy to the new
// manifest.
func (s *DraftStore) CreateVersion(workspaceID, moduleID string, m manifest.Manifest, note, createdBy, parentVersionID string, opsApplied []manifest.PatchOp, validationErrors []*apperr.Error) *DraftVersion {
	s.mu.Lock()
	key := scopeKey(workspaceID, moduleID)
	state := s.drafts[key]
	if state == nil {
		state = &draftState{}
		s.drafts[key] = state
	}
	v := &DraftVersion{
		ID:               uuid.New().String(),
		Manifest:         manifest.CopyManifest(m),
		Note:             note,
		ParentVersionID:  parentVersionID,
		OpsApplied:       opsApplied,
		ValidationErrors: validationErrors,
		CreatedAt:        time.Now().UTC(),
		CreatedBy:        createdBy,
	}
	state.versions = append([]*DraftVersion{v}, state.versions...)
	s.mu.Unlock()

	s.Upsert(workspaceID, moduleID, m, createdBy, "")
	return v
}

// Versions lists a draft's versions newest-first.
func (s *DraftStore) Versions(workspaceID, moduleID string) []*DraftVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := s.drafts[scopeKey(workspaceID, moduleID)]
	if state == nil {
		return nil
	}
	out := make([]*DraftVersion, len(state.versions))
	copy(out, state.versions)
	return out
}

// GetVersion looks a version up by id.
func (s *DraftStore) GetVersion(workspaceID, moduleID, versionID string) *DraftVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := s.drafts[scopeKey(workspaceID, moduleID)]
	if state == nil {
		return nil
	}
	for _, v := range state.versions {
		if v.ID == versionID {
			return v
		}
	}
	return nil
}

// Delete clears the working copy and all versions.
func (s *DraftStore) Delete(workspaceID, moduleID string) {
	s.mu.Lock()
	delete(s.drafts, scopeKey(workspaceID, moduleID))
	s.mu.Unlock()
}

func (s *DraftStore) copyDraft(d *Draft) *Draft {
	dup := *d
	dup.Manifest = manifest.CopyManifest(d.Manifest)
	return &dup
}
