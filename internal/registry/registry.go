package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/canonical"
	"github.com/ignite/appforge/internal/manifest"
	"github.com/ignite/appforge/internal/pkg/logger"
)

// SystemModuleIDs are platform modules whose lifecycle is locked.
var SystemModuleIDs = map[string]bool{
	"studio": true, "settings": true, "audit": true, "diagnostics": true, "auth": true,
}

// RecordCounter is the slice of the records store the registry needs for
// delete: per-entity record counts and bulk purge.
type RecordCounter interface {
	Count(ctx context.Context, workspaceID, entityID string) (int, error)
	DeleteAll(ctx context.Context, workspaceID, entityID string) (int, error)
}

// Invalidator drops cached reads after a registry mutation.
type Invalidator interface {
	InvalidatePrefix(ctx context.Context, workspaceID, prefix string) error
}

// cacheInvalidationPrefixes are dropped on every head mutation.
var cacheInvalidationPrefixes = []string{"modules", "registry_list", "manifest", "compiled", "bootstrap"}

// Registry drives the module lifecycle over a Store. Mutations for the same
// module are serialized by an in-process gate; concurrent attempts fail fast.
type Registry struct {
	store   Store
	drafts  *DraftStore
	records RecordCounter
	cache   Invalidator
	log     *logger.Logger

	mu       sync.Mutex
	mutating map[string]bool
}

// New creates a registry. records and cache may be nil; delete then skips the
// record-count gate and mutations skip cache invalidation.
func New(store Store, drafts *DraftStore, records RecordCounter, cache Invalidator) *Registry {
	return &Registry{
		store:    store,
		drafts:   drafts,
		records:  records,
		cache:    cache,
		log:      logger.With("registry"),
		mutating: map[string]bool{},
	}
}

// Drafts exposes the draft layer bound to this registry.
func (r *Registry) Drafts() *DraftStore { return r.drafts }

func (r *Registry) beginMutation(workspaceID, moduleID string) error {
	key := scopeKey(workspaceID, moduleID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mutating[key] {
		return apperr.New(apperr.CodeModuleMutationInFlight, "module %s has a mutation in progress", moduleID)
	}
	r.mutating[key] = true
	return nil
}

func (r *Registry) endMutation(workspaceID, moduleID string) {
	r.mu.Lock()
	delete(r.mutating, scopeKey(workspaceID, moduleID))
	r.mu.Unlock()
}

func (r *Registry) invalidate(ctx context.Context, workspaceID string) {
	if r.cache == nil {
		return
	}
	for _, prefix := range cacheInvalidationPrefixes {
		if err := r.cache.InvalidatePrefix(ctx, workspaceID, prefix); err != nil {
			r.log.Warn("cache invalidation failed", "prefix", prefix, "error", err.Error())
		}
	}
}

// InstallResult reports the outcome of an install or upgrade.
type InstallResult struct {
	ModuleID           string                     `json:"module_id"`
	Hash               string                     `json:"hash"`
	PreviousHash       string                     `json:"previous_hash,omitempty"`
	TransactionGroupID string                     `json:"transaction_group_id"`
	Validation         *manifest.ValidationResult `json:"validation"`
}

// Install validates, normalizes, snapshots, and heads a manifest for a module
// that has no head yet; with an existing head it records an upgrade instead.
// The full validation pipeline gates the write: any raw, strict, or
// completeness error refuses the install.
func (r *Registry) Install(ctx context.Context, workspaceID, moduleID string, m manifest.Manifest, actor, reason string) (*InstallResult, error) {
	if SystemModuleIDs[moduleID] {
		return nil, apperr.New(apperr.CodeForbidden, "module %s is a system module", moduleID)
	}
	if err := r.beginMutation(workspaceID, moduleID); err != nil {
		return nil, err
	}
	defer r.endMutation(workspaceID, moduleID)
	return r.installLocked(ctx, workspaceID, moduleID, m, actor, reason, uuid.New().String())
}

func (r *Registry) installLocked(ctx context.Context, workspaceID, moduleID string, m manifest.Manifest, actor, reason, txnGroup string) (*InstallResult, error) {
	res := manifest.Validate(moduleID, m)
	if !res.OK() {
		first := res.AllErrors()[0]
		return &InstallResult{ModuleID: moduleID, Validation: res},
			first.WithDetail("error_count", len(res.AllErrors()))
	}

	hash, err := canonical.Hash(res.Normalized)
	if err != nil {
		return nil, apperr.From(err)
	}

	now := time.Now().UTC()
	var prevHash string
	action := AuditInstall
	existing, err := r.store.GetModule(ctx, workspaceID, moduleID)
	if err == nil {
		prevHash = existing.CurrentHash
		action = AuditUpgrade
		if prevHash == hash {
			r.log.Info("module already at target hash", "module", moduleID, "hash", hash)
			return &InstallResult{ModuleID: moduleID, Hash: hash, PreviousHash: prevHash, TransactionGroupID: txnGroup, Validation: res}, nil
		}
	} else if !apperr.Is(err, apperr.CodeModuleNotInstalled) {
		return nil, apperr.From(err)
	}

	if err := r.store.PutSnapshot(ctx, workspaceID, &Snapshot{
		ModuleID: moduleID, Hash: hash, Manifest: res.Normalized,
		Actor: actor, Reason: reason, CreatedAt: now,
	}); err != nil {
		return nil, apperr.From(err)
	}

	rec := &ModuleRecord{
		ModuleID:    moduleID,
		Name:        manifest.Str(manifest.SubMap(res.Normalized, "module"), "name"),
		CurrentHash: hash,
		Enabled:     true,
		InstalledAt: now,
		UpdatedAt:   now,
	}
	if existing != nil {
		rec.Enabled = existing.Enabled
		rec.Archived = existing.Archived
		rec.DisplayOrder = existing.DisplayOrder
		rec.IconKey = existing.IconKey
		rec.InstalledAt = existing.InstalledAt
	}
	if err := r.store.UpsertModule(ctx, workspaceID, rec); err != nil {
		return nil, apperr.From(err)
	}

	if err := r.store.AppendAudit(ctx, workspaceID, &AuditEntry{
		AuditID: uuid.New().String(), ModuleID: moduleID, Action: action,
		FromHash: prevHash, ToHash: hash, Actor: actor, Reason: reason,
		TransactionGroupID: txnGroup, At: now,
	}); err != nil {
		return nil, apperr.From(err)
	}

	r.invalidate(ctx, workspaceID)
	r.log.Info("module head advanced", "module", moduleID, "action", action, "hash", hash)
	return &InstallResult{
		ModuleID: moduleID, Hash: hash, PreviousHash: prevHash,
		TransactionGroupID: txnGroup, Validation: res,
	}, nil
}

// ApplyPatchset applies approved patch operations to the module's head
// manifest (or an empty base for a fresh module) and installs the result.
func (r *Registry) ApplyPatchset(ctx context.Context, workspaceID, moduleID string, ops []manifest.PatchOp, actor, reason string) (*InstallResult, error) {
	if SystemModuleIDs[moduleID] {
		return nil, apperr.New(apperr.CodeForbidden, "module %s is a system module", moduleID)
	}
	if errs := manifest.ValidatePatchset(ops); len(errs) > 0 {
		return nil, errs[0]
	}
	if err := r.beginMutation(workspaceID, moduleID); err != nil {
		return nil, err
	}
	defer r.endMutation(workspaceID, moduleID)

	base := manifest.Manifest{}
	if head, err := r.HeadManifest(ctx, workspaceID, moduleID); err == nil {
		base = head
	}
	next, err := manifest.ApplyPatchset(base, ops)
	if err != nil {
		return nil, apperr.From(err)
	}
	return r.installLocked(ctx, workspaceID, moduleID, next, actor, reason, uuid.New().String())
}

// Get returns the module record.
func (r *Registry) Get(ctx context.Context, workspaceID, moduleID string) (*ModuleRecord, error) {
	return r.store.GetModule(ctx, workspaceID, moduleID)
}

// List returns all module records ordered by display_order.
func (r *Registry) List(ctx context.Context, workspaceID string) ([]ModuleRecord, error) {
	return r.store.ListModules(ctx, workspaceID)
}

// HeadManifest returns the manifest at the module's current head.
func (r *Registry) HeadManifest(ctx context.Context, workspaceID, moduleID string) (manifest.Manifest, error) {
	rec, err := r.store.GetModule(ctx, workspaceID, moduleID)
	if err != nil {
		return nil, err
	}
	snap, err := r.store.GetSnapshot(ctx, workspaceID, moduleID, rec.CurrentHash)
	if err != nil {
		return nil, err
	}
	return snap.Manifest, nil
}

// EnabledManifest is HeadManifest gated on the enabled flag.
func (r *Registry) EnabledManifest(ctx context.Context, workspaceID, moduleID string) (manifest.Manifest, error) {
	rec, err := r.store.GetModule(ctx, workspaceID, moduleID)
	if err != nil {
		return nil, err
	}
	if !rec.Enabled || rec.Archived {
		return nil, apperr.New(apperr.CodeModuleDisabled, "module %s is disabled", moduleID)
	}
	snap, err := r.store.GetSnapshot(ctx, workspaceID, moduleID, rec.CurrentHash)
	if err != nil {
		return nil, err
	}
	return snap.Manifest, nil
}

// EnabledManifests returns every enabled module's head manifest, keyed by
// module id. Entity resolution in the action executor searches all of them.
func (r *Registry) EnabledManifests(ctx context.Context, workspaceID string) (map[string]manifest.Manifest, error) {
	recs, err := r.store.ListModules(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	out := map[string]manifest.Manifest{}
	for _, rec := range recs {
		if !rec.Enabled || rec.Archived {
			continue
		}
		snap, err := r.store.GetSnapshot(ctx, workspaceID, rec.ModuleID, rec.CurrentHash)
		if err != nil {
			r.log.Warn("head snapshot missing", "module", rec.ModuleID, "hash", rec.CurrentHash)
			continue
		}
		out[rec.ModuleID] = snap.Manifest
	}
	return out, nil
}

// Snapshots lists a module's snapshots newest-first.
func (r *Registry) Snapshots(ctx context.Context, workspaceID, moduleID string) ([]Snapshot, error) {
	return r.store.ListSnapshots(ctx, workspaceID, moduleID)
}

// History lists a module's audit entries newest-first.
func (r *Registry) History(ctx context.Context, workspaceID, moduleID string) ([]AuditEntry, error) {
	return r.store.ListAudit(ctx, workspaceID, moduleID)
}

// SetEnabled toggles a module's enabled flag. System modules refuse.
func (r *Registry) SetEnabled(ctx context.Context, workspaceID, moduleID string, enabled bool, actor, reason string) error {
	if SystemModuleIDs[moduleID] {
		return apperr.New(apperr.CodeForbidden, "module %s is a system module", moduleID)
	}
	rec, err := r.store.GetModule(ctx, workspaceID, moduleID)
	if err != nil {
		return err
	}
	if rec.Enabled == enabled {
		return nil
	}
	rec.Enabled = enabled
	rec.UpdatedAt = time.Now().UTC()
	if err := r.store.UpsertModule(ctx, workspaceID, rec); err != nil {
		return apperr.From(err)
	}
	action := AuditEnable
	if !enabled {
		action = AuditDisable
	}
	if err := r.store.AppendAudit(ctx, workspaceID, &AuditEntry{
		AuditID: uuid.New().String(), ModuleID: moduleID, Action: action,
		FromHash: rec.CurrentHash, ToHash: rec.CurrentHash,
		Actor: actor, Reason: reason, At: rec.UpdatedAt,
	}); err != nil {
		return apperr.From(err)
	}
	r.invalidate(ctx, workspaceID)
	return nil
}

// SetIcon updates the module's icon key.
func (r *Registry) SetIcon(ctx context.Context, workspaceID, moduleID, iconKey string) error {
	return r.patchModule(ctx, workspaceID, moduleID, func(rec *ModuleRecord) { rec.IconKey = iconKey })
}

// SetDisplayOrder updates the module's position in listings.
func (r *Registry) SetDisplayOrder(ctx context.Context, workspaceID, moduleID string, order int) error {
	return r.patchModule(ctx, workspaceID, moduleID, func(rec *ModuleRecord) { rec.DisplayOrder = order })
}

func (r *Registry) patchModule(ctx context.Context, workspaceID, moduleID string, apply func(*ModuleRecord)) error {
	rec, err := r.store.GetModule(ctx, workspaceID, moduleID)
	if err != nil {
		return err
	}
	apply(rec)
	rec.UpdatedAt = time.Now().UTC()
	if err := r.store.UpsertModule(ctx, workspaceID, rec); err != nil {
		return apperr.From(err)
	}
	r.invalidate(ctx, workspaceID)
	return nil
}

// Rollback re-points the module head at an earlier snapshot. target may be a
// snapshot hash, a transaction group id, or a draft version id; the latter two
// resolve to a hash through audit history and the draft store.
func (r *Registry) Rollback(ctx context.Context, workspaceID, moduleID, target, actor, reason string) error {
	if SystemModuleIDs[moduleID] {
		return apperr.New(apperr.CodeModuleRollbackForbidden, "module %s is a system module", moduleID)
	}
	if err := r.beginMutation(workspaceID, moduleID); err != nil {
		return err
	}
	defer r.endMutation(workspaceID, moduleID)

	rec, err := r.store.GetModule(ctx, workspaceID, moduleID)
	if err != nil {
		return err
	}
	hash, err := r.resolveRollbackTarget(ctx, workspaceID, moduleID, target)
	if err != nil {
		return err
	}
	if _, err := r.store.GetSnapshot(ctx, workspaceID, moduleID, hash); err != nil {
		return err
	}

	now := time.Now().UTC()
	fromHash := rec.CurrentHash
	rec.CurrentHash = hash
	rec.UpdatedAt = now
	if err := r.store.UpsertModule(ctx, workspaceID, rec); err != nil {
		return apperr.From(err)
	}
	if err := r.store.AppendAudit(ctx, workspaceID, &AuditEntry{
		AuditID: uuid.New().String(), ModuleID: moduleID, Action: AuditRollback,
		FromHash: fromHash, ToHash: hash, Actor: actor, Reason: reason, At: now,
	}); err != nil {
		return apperr.From(err)
	}
	r.invalidate(ctx, workspaceID)
	r.log.Info("module rolled back", "module", moduleID, "from", fromHash, "to", hash)
	return nil
}

// resolveRollbackTarget tries, in order: a literal snapshot hash, a
// transaction group id from audit history, then a draft version id.
func (r *Registry) resolveRollbackTarget(ctx context.Context, workspaceID, moduleID, target string) (string, error) {
	if strings.HasPrefix(target, "sha256:") {
		return target, nil
	}
	history, err := r.store.ListAudit(ctx, workspaceID, moduleID)
	if err != nil {
		return "", apperr.From(err)
	}
	for _, entry := range history {
		if entry.TransactionGroupID == target && entry.ToHash != "" {
			return entry.ToHash, nil
		}
	}
	if r.drafts != nil {
		if v := r.drafts.GetVersion(workspaceID, moduleID, target); v != nil {
			if hash, err := canonical.Hash(v.Manifest); err == nil {
				return hash, nil
			}
		}
	}
	return "", apperr.New(apperr.CodeSnapshotNotFound, "rollback target %q does not resolve to a snapshot", target)
}

// Delete removes a module. With records present it refuses unless force or
// archive is set: archive keeps records and flips the archived flag; force
// purges records first. The snapshot history always survives.
func (r *Registry) Delete(ctx context.Context, workspaceID, moduleID string, force, archive bool, actor, reason string) error {
	if SystemModuleIDs[moduleID] {
		return apperr.New(apperr.CodeForbidden, "module %s is a system module", moduleID)
	}
	if err := r.beginMutation(workspaceID, moduleID); err != nil {
		return err
	}
	defer r.endMutation(workspaceID, moduleID)

	rec, err := r.store.GetModule(ctx, workspaceID, moduleID)
	if err != nil {
		return err
	}
	snap, err := r.store.GetSnapshot(ctx, workspaceID, moduleID, rec.CurrentHash)
	if err != nil {
		return err
	}

	counts := map[string]int{}
	total := 0
	if r.records != nil {
		for _, e := range manifest.Entities(snap.Manifest) {
			entityID := manifest.Str(e, "id")
			n, err := r.records.Count(ctx, workspaceID, entityID)
			if err != nil {
				return apperr.From(err)
			}
			if n > 0 {
				counts[entityID] = n
				total += n
			}
		}
	}

	if total > 0 && !force && !archive {
		return apperr.New(apperr.CodeModuleHasRecords, "module %s has %d records", moduleID, total).
			WithDetail("counts", counts)
	}

	now := time.Now().UTC()
	if force {
		for entityID := range counts {
			if _, err := r.records.DeleteAll(ctx, workspaceID, entityID); err != nil {
				return apperr.From(err)
			}
		}
	}

	action := AuditModuleDeleted
	if archive && !force {
		action = AuditModuleArchived
	}
	rec.Archived = true
	rec.Enabled = false
	rec.UpdatedAt = now
	if err := r.store.UpsertModule(ctx, workspaceID, rec); err != nil {
		return apperr.From(err)
	}
	if err := r.store.AppendAudit(ctx, workspaceID, &AuditEntry{
		AuditID: uuid.New().String(), ModuleID: moduleID, Action: action,
		FromHash: rec.CurrentHash, Actor: actor, Reason: reason, At: now,
	}); err != nil {
		return apperr.From(err)
	}
	if r.drafts != nil {
		r.drafts.Delete(workspaceID, moduleID)
	}
	r.invalidate(ctx, workspaceID)
	r.log.Info("module removed", "module", moduleID, "action", action, "purged", total)
	return nil
}
