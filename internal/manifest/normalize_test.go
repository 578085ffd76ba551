package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/appforge/internal/canonical"
)

// jobManifest is the shared fixture: one entity with a lookup missing its
// display_field, a string-option enum, and a single workflow.
func jobManifest() Manifest {
	return Manifest{
		"module.name": "Jobs",
		"entities": List{
			Map{
				"id":            "entity.job",
				"name":          "Job",
				"display_field": "job.title",
				"fields": List{
					Map{"id": "job.id", "type": "uuid", "required": true},
					Map{"id": "job.title", "type": "string", "required": true},
					Map{"id": "job.status", "type": "enum", "options": List{"draft", "done"}},
					Map{"id": "job.owner", "type": "lookup", "entity": "person"},
					Map{"id": "job.due", "type": "date"},
				},
			},
		},
		"workflows": List{
			Map{
				"id":           "wf.job",
				"entity":       "entity.job",
				"status_field": "job.status",
				"states":       List{"draft", "done"},
			},
		},
	}
}

func TestNormalize_FixedPoint(t *testing.T) {
	once, _ := Normalize("jobs", jobManifest())
	twice, warnings := Normalize("jobs", once)

	assert.Empty(t, warnings)

	c1, err := canonical.Dumps(once)
	require.NoError(t, err)
	c2, err := canonical.Dumps(twice)
	require.NoError(t, err)
	assert.Equal(t, c1, c2, "normalize must be a fixed point after one application")
}

func TestNormalize_HoistsDottedKeys(t *testing.T) {
	m, _ := Normalize("jobs", jobManifest())
	assert.NotContains(t, m, "module.name")
	assert.Equal(t, "Jobs", Str(SubMap(m, "module"), "name"))
	assert.Equal(t, "jobs", Str(SubMap(m, "module"), "id"))
}

func TestNormalize_LookupDefaults(t *testing.T) {
	m, _ := Normalize("jobs", jobManifest())
	owner := FindField(FindEntity(m, "entity.job"), "job.owner")
	require.NotNil(t, owner)
	assert.Equal(t, "entity.person", Str(owner, "target"))
	assert.Equal(t, "person.name", Str(owner, "display_field"))
	assert.NotContains(t, owner, "entity")
}

func TestNormalize_EnumOptionsFromWorkflowStates(t *testing.T) {
	m, _ := Normalize("jobs", jobManifest())
	status := FindField(FindEntity(m, "entity.job"), "job.status")
	opts := MapItems(SubList(status, "options"))
	require.Len(t, opts, 2)
	assert.Equal(t, "draft", Str(opts[0], "value"))
	assert.Equal(t, "Draft", Str(opts[0], "label"))
	assert.Equal(t, "done", Str(opts[1], "value"))
}

func TestNormalize_ScaffoldsViewsAndPages(t *testing.T) {
	m, _ := Normalize("jobs", jobManifest())

	list := FindView(m, "job.list")
	require.NotNil(t, list)
	cols := MapItems(SubList(list, "columns"))
	require.NotEmpty(t, cols)
	assert.Equal(t, "job.title", Str(cols[0], "field_id"))
	for _, c := range cols {
		assert.NotEqual(t, "job.id", Str(c, "field_id"), "uuid fields never become columns")
	}

	form := FindView(m, "job.form")
	require.NotNil(t, form)
	sections := MapItems(SubList(form, "sections"))
	require.Len(t, sections, 1)
	assert.Equal(t, "Details", Str(sections[0], "title"))

	require.NotNil(t, FindPage(m, "job.list_page"))
	formPage := FindPage(m, "job.form_page")
	require.NotNil(t, formPage)
	assert.True(t, pageHasRecordBlock(formPage, "entity.job"))
}

func TestNormalize_StatusbarForSingleWorkflow(t *testing.T) {
	m, _ := Normalize("jobs", jobManifest())
	form := FindView(m, "job.form")
	header := SubMap(form, "header")
	require.NotNil(t, header)
	assert.Equal(t, "job.title", Str(header, "title_field"))
	assert.Equal(t, true, header["auto_save"])
	assert.Equal(t, 750, header["auto_save_debounce_ms"])
	statusbar := SubMap(header, "statusbar")
	require.NotNil(t, statusbar)
	assert.Equal(t, "job.status", Str(statusbar, "field_id"))
}

func TestNormalize_StatusActionsWired(t *testing.T) {
	m, _ := Normalize("jobs", jobManifest())

	set := FindAction(m, "action.job_set_done")
	require.NotNil(t, set)
	assert.Equal(t, ActionUpdateRecord, Str(set, "kind"))
	assert.Equal(t, "done", Str(SubMap(set, "patch"), "job.status"))

	bulk := FindAction(m, "action.job_bulk_set_draft")
	require.NotNil(t, bulk)
	assert.Equal(t, ActionBulkUpdate, Str(bulk, "kind"))

	form := FindView(m, "job.form")
	assert.Contains(t, SubList(form, "secondary_actions"), "action.job_set_done")
	list := FindView(m, "job.list")
	assert.Contains(t, SubList(list, "bulk_actions"), "action.job_bulk_set_done")
}

func TestNormalize_PrimaryActionFallsBackToOpenForm(t *testing.T) {
	// job.title is required with no default, so the seeded create action
	// cannot be a one-click create.
	m, _ := Normalize("jobs", jobManifest())
	action := FindAction(m, "action.job_new")
	require.NotNil(t, action)
	assert.Equal(t, ActionOpenForm, Str(action, "kind"))
	assert.Equal(t, "view:job.form", Str(action, "target"))
}

func TestNormalize_SystemIDField(t *testing.T) {
	m, _ := Normalize("jobs", jobManifest())
	id := FindField(FindEntity(m, "entity.job"), "job.id")
	assert.Equal(t, true, id["readonly"])
	assert.Equal(t, false, id["required"])
}

func TestNormalize_NavAndDefaults(t *testing.T) {
	m, _ := Normalize("jobs", jobManifest())
	app := SubMap(m, "app")
	assert.Equal(t, "page:job.list_page", Str(app, "home"))

	nav := MapItems(SubList(app, "nav"))
	require.NotEmpty(t, nav)
	assert.Equal(t, "Main", Str(nav[0], "label"))
	items := MapItems(SubList(nav[0], "items"))
	require.Len(t, items, 1)
	assert.Equal(t, "page:job.list_page", Str(items[0], "target"))

	d := SubMap(SubMap(SubMap(app, "defaults"), "entities"), "entity.job")
	require.NotNil(t, d)
	assert.Equal(t, "job.form_page", Str(d, "entity_form_page"))
	assert.Equal(t, "job.list_page", Str(d, "entity_home_page"))
}

func TestNormalize_DropsExtraWorkflows(t *testing.T) {
	m := jobManifest()
	m["workflows"] = append(m["workflows"].(List), Map{
		"id":           "wf.job.other",
		"entity":       "entity.job",
		"status_field": "job.due", // not lifecycle-like
		"states":       List{"a"},
	})
	out, warnings := Normalize("jobs", m)
	assert.Len(t, Workflows(out), 1)
	assert.Equal(t, "wf.job", Str(Workflows(out)[0], "id"))
	require.NotEmpty(t, warnings)
	assert.Equal(t, "MANIFEST_WORKFLOW_DROPPED", warnings[0].Code)
}

func TestNormalize_RelationLegacyKeys(t *testing.T) {
	m := jobManifest()
	m["relations"] = List{
		Map{"id": "rel.1", "from_field": "job.owner", "to_field": "person.id"},
		Map{"id": "rel.2"},
	}
	out, warnings := Normalize("jobs", m)
	rels := Relations(out)
	require.Len(t, rels, 1)
	assert.Equal(t, "job.owner", Str(rels[0], "from"))
	assert.Equal(t, "person.id", Str(rels[0], "to"))
	require.NotEmpty(t, warnings)
	assert.Equal(t, "MANIFEST_RELATION_DROPPED", warnings[0].Code)
}

func TestValidate_CleanManifestInstalls(t *testing.T) {
	res := Validate("jobs", jobManifest())
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Strict)
	assert.Empty(t, res.Completeness)
	assert.True(t, res.OK())
}

func TestValidate_BadFieldNamespace(t *testing.T) {
	m := jobManifest()
	entity := AsMap(m["entities"].(List)[0])
	entity["fields"] = append(entity["fields"].(List), Map{"id": "other.field", "type": "string"})
	res := Validate("jobs", m)
	assert.False(t, res.OK())
	found := false
	for _, e := range res.Strict {
		if e.Code == "MANIFEST_STRICT_FIELD_ID" {
			found = true
			assert.NotEmpty(t, e.JSONPointer)
		}
	}
	assert.True(t, found)
}

func TestValidate_UnknownFieldType(t *testing.T) {
	m := jobManifest()
	entity := AsMap(m["entities"].(List)[0])
	entity["fields"] = append(entity["fields"].(List), Map{"id": "job.x", "type": "geo"})
	res := Validate("jobs", m)
	found := false
	for _, e := range res.Errors {
		if e.Code == "MANIFEST_FIELD_TYPE_INVALID" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDesignLint_EmptyForm(t *testing.T) {
	m, _ := Normalize("jobs", jobManifest())
	form := FindView(m, "job.form")
	form["sections"] = List{}
	warns := DesignLint(m)
	found := false
	for _, w := range warns {
		if w.Code == "DESIGN_EMPTY_FORM" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestNormalize_WorkflowEntitySynonym(t *testing.T) {
	m := jobManifest()
	wf := AsMap(m["workflows"].(List)[0])
	delete(wf, "entity")
	wf["entity_id"] = "entity.job"

	out, _ := Normalize("jobs", m)
	wfs := Workflows(out)
	require.Len(t, wfs, 1)
	assert.Equal(t, "entity.job", Str(wfs[0], "entity"))
	assert.NotContains(t, wfs[0], "entity_id")

	res := Validate("jobs", m)
	assert.True(t, res.OK(), "entity_id workflows install like entity ones")
}

func TestNormalize_PlainEnumStringOptions(t *testing.T) {
	m := jobManifest()
	entity := AsMap(m["entities"].(List)[0])
	entity["fields"] = append(entity["fields"].(List),
		Map{"id": "job.priority", "type": "enum", "options": List{"low", "high"}})

	out, _ := Normalize("jobs", m)
	f := FindField(FindEntity(out, "entity.job"), "job.priority")
	opts := MapItems(SubList(f, "options"))
	require.Len(t, opts, 2)
	assert.Equal(t, "low", Str(opts[0], "value"))
	assert.Equal(t, "Low", Str(opts[0], "label"))
	assert.Equal(t, "high", Str(opts[1], "value"))

	res := Validate("jobs", m)
	assert.True(t, res.OK(), "string options canonicalize instead of failing raw validation")
}
