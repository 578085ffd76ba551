package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/manifest"
)

// PostgresStore persists generic records as JSONB rows keyed by
// (workspace_id, entity_id, id).
type PostgresStore struct{ db *sql.DB }

// NewPostgresStore creates a Postgres-backed record store.
func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Create(ctx context.Context, workspaceID, entityID string, data Record) (string, Record, error) {
	rec := manifest.CopyManifest(data)
	id := manifest.Str(rec, "id")
	if id == "" {
		id = uuid.New().String()
		rec["id"] = id
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return "", nil, fmt.Errorf("serialize record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records_generic (workspace_id, entity_id, id, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
	`, workspaceID, entityID, id, blob)
	if err != nil {
		return "", nil, wrapWriteErr(err)
	}
	return id, rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, workspaceID, entityID, recordID string) (Record, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM records_generic
		WHERE workspace_id = $1 AND entity_id = $2 AND id = $3
	`, workspaceID, entityID, recordID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.CodeRecordNotFound, "record %s not found in %s", recordID, entityID)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return manifest.FromJSON(blob)
}

func (s *PostgresStore) Update(ctx context.Context, workspaceID, entityID, recordID string, data Record) (Record, error) {
	rec := manifest.CopyManifest(data)
	rec["id"] = recordID
	blob, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("serialize record: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE records_generic SET data = $1, updated_at = NOW()
		WHERE workspace_id = $2 AND entity_id = $3 AND id = $4
	`, blob, workspaceID, entityID, recordID)
	if err != nil {
		return nil, wrapWriteErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, apperr.New(apperr.CodeRecordNotFound, "record %s not found in %s", recordID, entityID)
	}
	return rec, nil
}

func (s *PostgresStore) Delete(ctx context.Context, workspaceID, entityID, recordID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM records_generic
		WHERE workspace_id = $1 AND entity_id = $2 AND id = $3
	`, workspaceID, entityID, recordID)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(apperr.CodeRecordNotFound, "record %s not found in %s", recordID, entityID)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, workspaceID, entityID string, opt ListOptions) ([]Record, int, error) {
	where := `workspace_id = $1 AND entity_id = $2`
	args := []interface{}{workspaceID, entityID}
	idx := 3

	if opt.Query != "" && len(opt.SearchFields) > 0 {
		cond := ""
		for i, f := range opt.SearchFields {
			if i > 0 {
				cond += " OR "
			}
			cond += fmt.Sprintf("data->>$%d ILIKE $%d", idx, idx+1)
			args = append(args, f, "%"+opt.Query+"%")
			idx += 2
		}
		where += " AND (" + cond + ")"
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records_generic WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	q := `SELECT data FROM records_generic WHERE ` + where + ` ORDER BY created_at ASC, id ASC`
	if opt.Limit >= 0 {
		q += fmt.Sprintf(" LIMIT $%d OFFSET $%d", idx, idx+1)
		args = append(args, opt.Limit, opt.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, 0, fmt.Errorf("scan record: %w", err)
		}
		rec, err := manifest.FromJSON(blob)
		if err != nil {
			return nil, 0, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context, workspaceID, entityID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records_generic WHERE workspace_id = $1 AND entity_id = $2
	`, workspaceID, entityID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteAll(ctx context.Context, workspaceID, entityID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM records_generic WHERE workspace_id = $1 AND entity_id = $2
	`, workspaceID, entityID)
	if err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// wrapWriteErr surfaces Postgres constraint violations as structured
// RECORD_WRITE_FAILED errors with constraint detail.
func wrapWriteErr(err error) error {
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Class() == "23" {
		return apperr.New(apperr.CodeRecordWriteFailed, "record write violated a constraint").
			WithDetail("constraint", pqErr.Constraint).
			WithDetail("table", pqErr.Table).
			WithDetail("column", pqErr.Column)
	}
	return fmt.Errorf("write record: %w", err)
}
