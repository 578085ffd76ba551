package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/manifest"
)

// MemoryStore keeps snapshots, module records, and audit history in process
// memory. It backs tests and USE_DB=0 deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]map[string]*Snapshot // ws|module → hash → snapshot
	snapOrder map[string][]string             // ws|module → hashes, insertion order
	modules   map[string]map[string]*ModuleRecord
	audit     map[string][]*AuditEntry // ws|module → entries, insertion order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: map[string]map[string]*Snapshot{},
		snapOrder: map[string][]string{},
		modules:   map[string]map[string]*ModuleRecord{},
		audit:     map[string][]*AuditEntry{},
	}
}

func scopeKey(workspaceID, moduleID string) string { return workspaceID + "|" + moduleID }

func (s *MemoryStore) PutSnapshot(_ context.Context, workspaceID string, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scopeKey(workspaceID, snap.ModuleID)
	byHash := s.snapshots[key]
	if byHash == nil {
		byHash = map[string]*Snapshot{}
		s.snapshots[key] = byHash
	}
	if _, exists := byHash[snap.Hash]; exists {
		return nil
	}
	dup := *snap
	dup.Manifest = manifest.CopyManifest(snap.Manifest)
	if dup.CreatedAt.IsZero() {
		dup.CreatedAt = time.Now().UTC()
	}
	byHash[snap.Hash] = &dup
	s.snapOrder[key] = append(s.snapOrder[key], snap.Hash)
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, workspaceID, moduleID, hash string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snapshots[scopeKey(workspaceID, moduleID)][hash]
	if snap == nil {
		return nil, apperr.New(apperr.CodeSnapshotNotFound, "snapshot %s not found for module %s", hash, moduleID)
	}
	dup := *snap
	dup.Manifest = manifest.CopyManifest(snap.Manifest)
	return &dup, nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, workspaceID, moduleID string) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := scopeKey(workspaceID, moduleID)
	order := s.snapOrder[key]
	out := make([]Snapshot, 0, len(order))
	// Newest first.
	for i := len(order) - 1; i >= 0; i-- {
		snap := s.snapshots[key][order[i]]
		dup := *snap
		dup.Manifest = manifest.CopyManifest(snap.Manifest)
		out = append(out, dup)
	}
	return out, nil
}

func (s *MemoryStore) GetModule(_ context.Context, workspaceID, moduleID string) (*ModuleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.modules[workspaceID][moduleID]
	if rec == nil {
		return nil, apperr.New(apperr.CodeModuleNotInstalled, "module %s is not installed", moduleID)
	}
	dup := *rec
	return &dup, nil
}

func (s *MemoryStore) ListModules(_ context.Context, workspaceID string) ([]ModuleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ModuleRecord, 0, len(s.modules[workspaceID]))
	for _, rec := range s.modules[workspaceID] {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].ModuleID < out[j].ModuleID
	})
	return out, nil
}

func (s *MemoryStore) UpsertModule(_ context.Context, workspaceID string, rec *ModuleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.modules[workspaceID]
	if byID == nil {
		byID = map[string]*ModuleRecord{}
		s.modules[workspaceID] = byID
	}
	dup := *rec
	byID[rec.ModuleID] = &dup
	return nil
}

func (s *MemoryStore) DeleteModule(_ context.Context, workspaceID, moduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[workspaceID][moduleID]; !ok {
		return apperr.New(apperr.CodeModuleNotInstalled, "module %s is not installed", moduleID)
	}
	delete(s.modules[workspaceID], moduleID)
	return nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, workspaceID string, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scopeKey(workspaceID, entry.ModuleID)
	dup := *entry
	if dup.At.IsZero() {
		dup.At = time.Now().UTC()
	}
	s.audit[key] = append(s.audit[key], &dup)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, workspaceID, moduleID string) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.audit[scopeKey(workspaceID, moduleID)]
	out := make([]AuditEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, *entries[i])
	}
	return out, nil
}
