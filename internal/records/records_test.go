package records

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/manifest"
)

const testWS = "ws-1"

func TestMemoryStore_CRUD(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, rec, err := s.Create(ctx, testWS, "entity.job", Record{"job.title": "A"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, "A", rec["job.title"])

	got, err := s.Get(ctx, testWS, "entity.job", id)
	require.NoError(t, err)
	assert.Equal(t, id, got["id"])

	updated, err := s.Update(ctx, testWS, "entity.job", id, Record{"job.title": "B"})
	require.NoError(t, err)
	assert.Equal(t, "B", updated["job.title"])
	assert.Equal(t, id, updated["id"], "update never loses the id")

	require.NoError(t, s.Delete(ctx, testWS, "entity.job", id))
	_, err = s.Get(ctx, testWS, "entity.job", id)
	assert.Equal(t, apperr.CodeRecordNotFound, apperr.CodeOf(err))
}

func TestMemoryStore_SearchAndOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, title := range []string{"Alpha", "beta", "Alphabet"} {
		_, _, err := s.Create(ctx, testWS, "entity.job", Record{"job.title": title})
		require.NoError(t, err)
	}

	recs, total, err := s.List(ctx, testWS, "entity.job", ListOptions{
		Limit: 10, Query: "alpha", SearchFields: []string{"job.title"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, recs, 2)
	assert.Equal(t, "Alpha", recs[0]["job.title"], "insertion order is stable")
	assert.Equal(t, "Alphabet", recs[1]["job.title"])
}

func TestListPage_CursorWalksAllRecords(t *testing.T) {
	s := NewMemoryStore()
	svc := NewService(s)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, _, err := s.Create(ctx, testWS, "entity.job", Record{"job.title": fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
	}

	var seen []string
	cursor := ""
	for {
		page, err := svc.ListPage(ctx, testWS, "entity.job", 3, cursor, "", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 7, page.Total)
		for _, rec := range page.Records {
			seen = append(seen, manifest.Str(rec, "job.title"))
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{"t0", "t1", "t2", "t3", "t4", "t5", "t6"}, seen)
}

func TestListPage_ProjectionKeepsID(t *testing.T) {
	s := NewMemoryStore()
	svc := NewService(s)
	ctx := context.Background()

	id, _, err := s.Create(ctx, testWS, "entity.job", Record{"job.title": "A", "job.status": "draft"})
	require.NoError(t, err)

	page, err := svc.ListPage(ctx, testWS, "entity.job", 10, "", "", nil, []string{"job.title"})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, id, page.Records[0]["id"])
	assert.Equal(t, "A", page.Records[0]["job.title"])
	assert.NotContains(t, page.Records[0], "job.status")
}

func TestListPage_BadCursor(t *testing.T) {
	svc := NewService(NewMemoryStore())
	_, err := svc.ListPage(context.Background(), testWS, "entity.job", 10, "???", "", nil, nil)
	assert.Equal(t, "RECORD_CURSOR_INVALID", apperr.CodeOf(err))
}

func TestListLookup(t *testing.T) {
	s := NewMemoryStore()
	svc := NewService(s)
	ctx := context.Background()

	id, _, err := s.Create(ctx, testWS, "entity.person", Record{"person.name": "Ada"})
	require.NoError(t, err)
	_, _, err = s.Create(ctx, testWS, "entity.person", Record{"person.name": "Bob"})
	require.NoError(t, err)

	items, err := svc.ListLookup(ctx, testWS, "entity.person", "person.name", 10, "ad")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)
	assert.Equal(t, "Ada", items[0].Display)
}

func TestAggregateAndPivot(t *testing.T) {
	s := NewMemoryStore()
	svc := NewService(s)
	ctx := context.Background()

	rows := []Record{
		{"job.status": "draft", "job.region": "N", "job.hours": 2},
		{"job.status": "draft", "job.region": "S", "job.hours": 3},
		{"job.status": "done", "job.region": "N", "job.hours": 5},
		{"job.status": "done", "job.region": "N", "job.hours": "oops"}, // coerces to 0
	}
	for _, r := range rows {
		_, _, err := s.Create(ctx, testWS, "entity.job", r)
		require.NoError(t, err)
	}

	counts, err := svc.Aggregate(ctx, testWS, "entity.job", "job.status", "count")
	require.NoError(t, err)
	assert.Equal(t, []AggregateRow{{Group: "draft", Value: 2}, {Group: "done", Value: 2}}, counts)

	sums, err := svc.Aggregate(ctx, testWS, "entity.job", "job.status", "sum:job.hours")
	require.NoError(t, err)
	assert.Equal(t, []AggregateRow{{Group: "draft", Value: 5}, {Group: "done", Value: 5}}, sums)

	pivot, err := svc.Pivot(ctx, testWS, "entity.job", "job.status", "job.region", "count")
	require.NoError(t, err)
	assert.Equal(t, []string{"draft", "done"}, pivot.Rows)
	assert.Equal(t, []string{"N", "S"}, pivot.Columns)
	assert.Equal(t, float64(2), pivot.Cells["done"]["N"])
	assert.Equal(t, float64(1), pivot.Cells["draft"]["S"])
}

func jobEntity() manifest.Map {
	return manifest.Map{
		"id":            "entity.job",
		"display_field": "job.title",
		"fields": manifest.List{
			manifest.Map{"id": "job.id", "type": "uuid", "readonly": true},
			manifest.Map{"id": "job.title", "type": "string", "required": true},
			manifest.Map{"id": "job.status", "type": "enum", "options": manifest.List{
				manifest.Map{"value": "draft", "label": "Draft"},
				manifest.Map{"value": "done", "label": "Done"},
			}},
			manifest.Map{"id": "job.due", "type": "date"},
			manifest.Map{"id": "job.hours", "type": "number"},
		},
	}
}

func TestValidateData(t *testing.T) {
	v := NewValidator(NewMemoryStore())

	errs := v.ValidateData(jobEntity(), Record{
		"job.title": "A", "job.status": "draft", "job.due": "2026-08-25", "job.hours": 3,
	})
	assert.Empty(t, errs)

	errs = v.ValidateData(jobEntity(), Record{
		"job.status": "archived", "job.due": "not-a-date", "job.nope": 1,
	})
	codes := map[string]bool{}
	for _, e := range errs {
		codes[e.Code] = true
	}
	assert.True(t, codes[CodeRequiredMissing], "missing job.title")
	assert.True(t, codes[CodeEnumInvalid])
	assert.True(t, codes[CodeTypeInvalid])
	assert.True(t, codes[CodeFieldUnknown])
}

// Entity A has a.region; entity B looks up A with a domain requiring the
// candidate's region to match the record's own region.
func TestCheckLookups_DomainViolation(t *testing.T) {
	store := NewMemoryStore()
	v := NewValidator(store)
	ctx := context.Background()

	id1, _, err := store.Create(ctx, testWS, "entity.a", Record{"a.region": "N"})
	require.NoError(t, err)
	id2, _, err := store.Create(ctx, testWS, "entity.a", Record{"a.region": "S"})
	require.NoError(t, err)

	entityB := manifest.Map{
		"id": "entity.b",
		"fields": manifest.List{
			manifest.Map{"id": "b.region", "type": "enum", "options": manifest.List{
				manifest.Map{"value": "N", "label": "N"},
				manifest.Map{"value": "S", "label": "S"},
			}},
			manifest.Map{
				"id": "b.a_id", "type": "lookup", "target": "entity.a",
				"domain": manifest.Map{
					"op":    "eq",
					"left":  manifest.Map{"ref": "$candidate.a.region"},
					"right": manifest.Map{"ref": "$record.b.region"},
				},
			},
		},
	}

	errs := v.CheckLookups(ctx, testWS, entityB, Record{"b.region": "N", "b.a_id": id2})
	require.Len(t, errs, 1)
	assert.Equal(t, apperr.CodeLookupDomainViolation, errs[0].Code)
	assert.Equal(t, "b.a_id", errs[0].Path)

	errs = v.CheckLookups(ctx, testWS, entityB, Record{"b.region": "N", "b.a_id": id1})
	assert.Empty(t, errs)
}

func TestCheckLookups_TargetNotFound(t *testing.T) {
	v := NewValidator(NewMemoryStore())
	entity := manifest.Map{
		"id": "entity.b",
		"fields": manifest.List{
			manifest.Map{"id": "b.a_id", "type": "lookup", "target": "entity.a"},
		},
	}
	errs := v.CheckLookups(context.Background(), testWS, entity, Record{"b.a_id": "missing"})
	require.Len(t, errs, 1)
	assert.Equal(t, apperr.CodeLookupTargetNotFound, errs[0].Code)
}
