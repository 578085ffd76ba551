package registry

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/canonical"
	"github.com/ignite/appforge/internal/manifest"
)

// PostgresStore persists snapshots, module records, and audit history.
// Snapshot blobs are stored as canonical JSON text so a stored blob re-hashes
// to its own key.
type PostgresStore struct{ db *sql.DB }

// NewPostgresStore creates a Postgres-backed registry store.
func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) PutSnapshot(ctx context.Context, workspaceID string, snap *Snapshot) error {
	blob, err := canonical.Dumps(snap.Manifest)
	if err != nil {
		return fmt.Errorf("serialize snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO module_snapshots (workspace_id, module_id, hash, manifest, actor, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (workspace_id, module_id, hash) DO NOTHING
	`, workspaceID, snap.ModuleID, snap.Hash, blob, snap.Actor, snap.Reason)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, workspaceID, moduleID, hash string) (*Snapshot, error) {
	snap := &Snapshot{ModuleID: moduleID, Hash: hash}
	var blob string
	err := s.db.QueryRowContext(ctx, `
		SELECT manifest, COALESCE(actor,''), COALESCE(reason,''), created_at
		FROM module_snapshots
		WHERE workspace_id = $1 AND module_id = $2 AND hash = $3
	`, workspaceID, moduleID, hash).Scan(&blob, &snap.Actor, &snap.Reason, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.CodeSnapshotNotFound, "snapshot %s not found for module %s", hash, moduleID)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	snap.Manifest, err = manifest.FromJSON([]byte(blob))
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, workspaceID, moduleID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, manifest, COALESCE(actor,''), COALESCE(reason,''), created_at
		FROM module_snapshots
		WHERE workspace_id = $1 AND module_id = $2
		ORDER BY created_at DESC
	`, workspaceID, moduleID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap := Snapshot{ModuleID: moduleID}
		var blob string
		if err := rows.Scan(&snap.Hash, &blob, &snap.Actor, &snap.Reason, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if snap.Manifest, err = manifest.FromJSON([]byte(blob)); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", snap.Hash, err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetModule(ctx context.Context, workspaceID, moduleID string) (*ModuleRecord, error) {
	rec := &ModuleRecord{ModuleID: moduleID}
	err := s.db.QueryRowContext(ctx, `
		SELECT name, current_hash, enabled, archived, display_order, COALESCE(icon_key,''),
		       installed_at, updated_at
		FROM modules_installed
		WHERE workspace_id = $1 AND module_id = $2
	`, workspaceID, moduleID).Scan(
		&rec.Name, &rec.CurrentHash, &rec.Enabled, &rec.Archived, &rec.DisplayOrder,
		&rec.IconKey, &rec.InstalledAt, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.CodeModuleNotInstalled, "module %s is not installed", moduleID)
	}
	if err != nil {
		return nil, fmt.Errorf("get module: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListModules(ctx context.Context, workspaceID string) ([]ModuleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT module_id, name, current_hash, enabled, archived, display_order,
		       COALESCE(icon_key,''), installed_at, updated_at
		FROM modules_installed
		WHERE workspace_id = $1
		ORDER BY display_order ASC, module_id ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	defer rows.Close()

	var out []ModuleRecord
	for rows.Next() {
		var rec ModuleRecord
		if err := rows.Scan(
			&rec.ModuleID, &rec.Name, &rec.CurrentHash, &rec.Enabled, &rec.Archived,
			&rec.DisplayOrder, &rec.IconKey, &rec.InstalledAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan module: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertModule(ctx context.Context, workspaceID string, rec *ModuleRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO modules_installed
			(workspace_id, module_id, name, current_hash, enabled, archived,
			 display_order, icon_key, installed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (workspace_id, module_id) DO UPDATE SET
			name = EXCLUDED.name, current_hash = EXCLUDED.current_hash,
			enabled = EXCLUDED.enabled, archived = EXCLUDED.archived,
			display_order = EXCLUDED.display_order, icon_key = EXCLUDED.icon_key,
			updated_at = EXCLUDED.updated_at
	`, workspaceID, rec.ModuleID, rec.Name, rec.CurrentHash, rec.Enabled, rec.Archived,
		rec.DisplayOrder, rec.IconKey, rec.InstalledAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert module: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteModule(ctx context.Context, workspaceID, moduleID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM modules_installed WHERE workspace_id = $1 AND module_id = $2
	`, workspaceID, moduleID)
	if err != nil {
		return fmt.Errorf("delete module: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(apperr.CodeModuleNotInstalled, "module %s is not installed", moduleID)
	}
	return nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, workspaceID string, entry *AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO module_audit
			(audit_id, workspace_id, module_id, action, from_hash, to_hash,
			 actor, reason, transaction_group_id, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.AuditID, workspaceID, entry.ModuleID, entry.Action, entry.FromHash,
		entry.ToHash, entry.Actor, entry.Reason, entry.TransactionGroupID, entry.At)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, workspaceID, moduleID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, action, COALESCE(from_hash,''), COALESCE(to_hash,''),
		       actor, COALESCE(reason,''), COALESCE(transaction_group_id,''), at
		FROM module_audit
		WHERE workspace_id = $1 AND module_id = $2
		ORDER BY at DESC, audit_id DESC
	`, workspaceID, moduleID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		entry := AuditEntry{ModuleID: moduleID}
		if err := rows.Scan(
			&entry.AuditID, &entry.Action, &entry.FromHash, &entry.ToHash,
			&entry.Actor, &entry.Reason, &entry.TransactionGroupID, &entry.At,
		); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
