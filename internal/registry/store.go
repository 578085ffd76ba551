// Package registry layers the module lifecycle (install, upgrade, enable,
// rollback, archive, delete) over an append-only, content-addressed snapshot
// store. A module's identity within a workspace is its module_id; a
// manifest's identity is the sha256 hash of its canonical JSON.
package registry

import (
	"context"
	"time"

	"github.com/ignite/appforge/internal/manifest"
)

// Snapshot is one immutable manifest blob, keyed by (module_id, hash).
type Snapshot struct {
	ModuleID  string            `json:"module_id"`
	Hash      string            `json:"hash"`
	Manifest  manifest.Manifest `json:"manifest"`
	Actor     string            `json:"actor"`
	Reason    string            `json:"reason"`
	CreatedAt time.Time         `json:"created_at"`
}

// ModuleRecord tracks an installed module and its current head hash.
type ModuleRecord struct {
	ModuleID     string    `json:"module_id"`
	Name         string    `json:"name"`
	CurrentHash  string    `json:"current_hash"`
	Enabled      bool      `json:"enabled"`
	Archived     bool      `json:"archived"`
	DisplayOrder int       `json:"display_order"`
	IconKey      string    `json:"icon_key,omitempty"`
	InstalledAt  time.Time `json:"installed_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Audit actions recorded on every head mutation.
const (
	AuditInstall        = "install"
	AuditUpgrade        = "upgrade"
	AuditEnable         = "enable"
	AuditDisable        = "disable"
	AuditRollback       = "rollback"
	AuditModuleDeleted  = "module_deleted"
	AuditModuleArchived = "module_archived"
)

// AuditEntry is one append-only row of a module's history.
type AuditEntry struct {
	AuditID            string    `json:"audit_id"`
	ModuleID           string    `json:"module_id"`
	Action             string    `json:"action"`
	FromHash           string    `json:"from_hash,omitempty"`
	ToHash             string    `json:"to_hash,omitempty"`
	Actor              string    `json:"actor"`
	Reason             string    `json:"reason,omitempty"`
	TransactionGroupID string    `json:"transaction_group_id,omitempty"`
	At                 time.Time `json:"at"`
}

// Store is the persistence boundary for snapshots, module records, and audit
// history. Every call is workspace-scoped. Snapshots are write-once: PutSnapshot
// with an existing (module_id, hash) is a no-op, and nothing ever deletes one.
type Store interface {
	PutSnapshot(ctx context.Context, workspaceID string, snap *Snapshot) error
	GetSnapshot(ctx context.Context, workspaceID, moduleID, hash string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, workspaceID, moduleID string) ([]Snapshot, error)

	GetModule(ctx context.Context, workspaceID, moduleID string) (*ModuleRecord, error)
	ListModules(ctx context.Context, workspaceID string) ([]ModuleRecord, error)
	UpsertModule(ctx context.Context, workspaceID string, rec *ModuleRecord) error
	DeleteModule(ctx context.Context, workspaceID, moduleID string) error

	AppendAudit(ctx context.Context, workspaceID string, entry *AuditEntry) error
	ListAudit(ctx context.Context, workspaceID, moduleID string) ([]AuditEntry, error)
}
