// Package records implements the generic entity record store: per
// (workspace, entity) CRUD with case-insensitive substring search, opaque
// cursor pagination, a lookup-optimized page, and aggregate/pivot reads. The
// store never interprets field types; schema and lookup-domain validation
// live in the Validator and are layered on by the action executor.
package records

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/manifest"
)

// Record is a generic record: an "id" plus field values keyed by field id.
type Record = manifest.Map

// ListOptions filter and window a record listing.
type ListOptions struct {
	Limit        int
	Offset       int
	Query        string
	SearchFields []string
}

// Store is the persistence boundary for generic records.
type Store interface {
	Create(ctx context.Context, workspaceID, entityID string, data Record) (string, Record, error)
	Get(ctx context.Context, workspaceID, entityID, recordID string) (Record, error)
	Update(ctx context.Context, workspaceID, entityID, recordID string, data Record) (Record, error)
	Delete(ctx context.Context, workspaceID, entityID, recordID string) error
	List(ctx context.Context, workspaceID, entityID string, opt ListOptions) ([]Record, int, error)
	Count(ctx context.Context, workspaceID, entityID string) (int, error)
	DeleteAll(ctx context.Context, workspaceID, entityID string) (int, error)
}

// Page is one window of cursor pagination.
type Page struct {
	Records    []Record `json:"records"`
	NextCursor string   `json:"next_cursor,omitempty"`
	Total      int      `json:"total"`
}

// LookupItem is the id+display projection served to lookup pickers.
type LookupItem struct {
	ID      string `json:"id"`
	Display string `json:"display"`
}

// Service layers pagination, projection, and aggregation over a Store.
type Service struct {
	store Store
}

// NewService wraps a store.
func NewService(store Store) *Service { return &Service{store: store} }

// Store exposes the underlying store.
func (s *Service) Store() Store { return s.store }

// encodeCursor packs the next offset and the last seen record id. The id lets
// a future implementation detect shifted windows; offset drives paging today.
func encodeCursor(offset int, lastID string) string {
	return base64.URLEncoding.EncodeToString([]byte(strconv.Itoa(offset) + ":" + lastID))
}

func decodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, apperr.New("RECORD_CURSOR_INVALID", "malformed cursor")
	}
	parts := strings.SplitN(string(raw), ":", 2)
	offset, err := strconv.Atoi(parts[0])
	if err != nil || offset < 0 {
		return 0, apperr.New("RECORD_CURSOR_INVALID", "malformed cursor")
	}
	return offset, nil
}

// ListPage serves cursor pagination. When fields is non-empty, records are
// projected down to those fields; "id" always survives projection.
func (s *Service) ListPage(ctx context.Context, workspaceID, entityID string, limit int, cursor, q string, searchFields, fields []string) (*Page, error) {
	if limit <= 0 {
		limit = 50
	}
	offset, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	recs, total, err := s.store.List(ctx, workspaceID, entityID, ListOptions{
		Limit: limit, Offset: offset, Query: q, SearchFields: searchFields,
	})
	if err != nil {
		return nil, err
	}

	page := &Page{Total: total}
	for _, rec := range recs {
		page.Records = append(page.Records, project(rec, fields))
	}
	if offset+len(recs) < total && len(recs) > 0 {
		lastID := manifest.Str(recs[len(recs)-1], "id")
		page.NextCursor = encodeCursor(offset+len(recs), lastID)
	}
	return page, nil
}

func project(rec Record, fields []string) Record {
	if len(fields) == 0 {
		return rec
	}
	out := Record{"id": rec["id"]}
	for _, f := range fields {
		if v, ok := rec[f]; ok {
			out[f] = v
		}
	}
	return out
}

// ListLookup returns the id+display page a lookup picker needs, searching the
// display field.
func (s *Service) ListLookup(ctx context.Context, workspaceID, entityID, displayField string, limit int, q string) ([]LookupItem, error) {
	if limit <= 0 {
		limit = 20
	}
	recs, _, err := s.store.List(ctx, workspaceID, entityID, ListOptions{
		Limit: limit, Query: q, SearchFields: []string{displayField},
	})
	if err != nil {
		return nil, err
	}
	out := make([]LookupItem, 0, len(recs))
	for _, rec := range recs {
		out = append(out, LookupItem{
			ID:      manifest.Str(rec, "id"),
			Display: fmt.Sprintf("%v", rec[displayField]),
		})
	}
	return out, nil
}

// AggregateRow is one group of an aggregate result.
type AggregateRow struct {
	Group string  `json:"group"`
	Value float64 `json:"value"`
}

// Aggregate groups all records of an entity by groupBy and computes a
// measure: "count" or "sum:<field>". Non-numeric sum inputs coerce to 0.
func (s *Service) Aggregate(ctx context.Context, workspaceID, entityID, groupBy, measure string) ([]AggregateRow, error) {
	recs, _, err := s.store.List(ctx, workspaceID, entityID, ListOptions{Limit: -1})
	if err != nil {
		return nil, err
	}
	sums := map[string]float64{}
	var order []string
	for _, rec := range recs {
		group := fmt.Sprintf("%v", rec[groupBy])
		if _, seen := sums[group]; !seen {
			order = append(order, group)
		}
		sums[group] += measureValue(rec, measure)
	}
	out := make([]AggregateRow, 0, len(order))
	for _, g := range order {
		out = append(out, AggregateRow{Group: g, Value: sums[g]})
	}
	return out, nil
}

// PivotResult is a row-by-column measure table.
type PivotResult struct {
	Rows    []string                      `json:"rows"`
	Columns []string                      `json:"columns"`
	Cells   map[string]map[string]float64 `json:"cells"`
}

// Pivot groups by a row and a column dimension with the same measures as
// Aggregate.
func (s *Service) Pivot(ctx context.Context, workspaceID, entityID, rowBy, colBy, measure string) (*PivotResult, error) {
	recs, _, err := s.store.List(ctx, workspaceID, entityID, ListOptions{Limit: -1})
	if err != nil {
		return nil, err
	}
	res := &PivotResult{Cells: map[string]map[string]float64{}}
	seenRow, seenCol := map[string]bool{}, map[string]bool{}
	for _, rec := range recs {
		row := fmt.Sprintf("%v", rec[rowBy])
		col := fmt.Sprintf("%v", rec[colBy])
		if !seenRow[row] {
			seenRow[row] = true
			res.Rows = append(res.Rows, row)
		}
		if !seenCol[col] {
			seenCol[col] = true
			res.Columns = append(res.Columns, col)
		}
		if res.Cells[row] == nil {
			res.Cells[row] = map[string]float64{}
		}
		res.Cells[row][col] += measureValue(rec, measure)
	}
	return res, nil
}

func measureValue(rec Record, measure string) float64 {
	if field, ok := strings.CutPrefix(measure, "sum:"); ok {
		f, _ := toFloat(rec[field])
		return f
	}
	return 1 // count
}
