// Package manifest implements the declarative module manifest: its generic
// tree representation, the condition AST evaluator, JSON pointer and selector
// path handling, patch operations, and the normalization/validation pipeline
// that gates every install.
package manifest

import (
	"encoding/json"
	"strings"
)

// Map and List alias the generic JSON tree shapes a manifest is made of.
// Manifests are schemaless by design; every accessor tolerates missing or
// mistyped nodes and reports problems through the validators instead of
// panicking.
type Map = map[string]interface{}
type List = []interface{}

// Manifest is the root of a module manifest tree.
type Manifest = Map

// Event names emitted by the runtime for manifest-declared triggers.
const (
	EventRecordCreated         = "record.created"
	EventRecordUpdated         = "record.updated"
	EventWorkflowStatusChanged = "workflow.status_changed"
	EventActionClicked         = "action.clicked"
)

// Action kinds. Write kinds run transactionally; the rest only navigate.
const (
	ActionNavigate     = "navigate"
	ActionOpenForm     = "open_form"
	ActionRefresh      = "refresh"
	ActionCreateRecord = "create_record"
	ActionUpdateRecord = "update_record"
	ActionBulkUpdate   = "bulk_update"
)

// AllowedActionKinds is the closed set of executable action kinds.
var AllowedActionKinds = map[string]bool{
	ActionNavigate:     true,
	ActionOpenForm:     true,
	ActionRefresh:      true,
	ActionCreateRecord: true,
	ActionUpdateRecord: true,
	ActionBulkUpdate:   true,
}

// FieldTypes is the closed set of entity field types.
var FieldTypes = map[string]bool{
	"uuid": true, "string": true, "text": true, "number": true,
	"boolean": true, "enum": true, "date": true, "datetime": true,
	"lookup": true, "tags": true,
}

// AsMap returns v as a Map, or nil.
func AsMap(v interface{}) Map {
	m, _ := v.(map[string]interface{})
	return m
}

// AsList returns v as a List, or nil.
func AsList(v interface{}) List {
	l, _ := v.([]interface{})
	return l
}

// Str returns m[key] as a string, or "".
func Str(m Map, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Bool returns m[key] as a bool, or false.
func Bool(m Map, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

// SubMap returns m[key] as a Map, or nil.
func SubMap(m Map, key string) Map {
	if m == nil {
		return nil
	}
	return AsMap(m[key])
}

// SubList returns m[key] as a List, or nil.
func SubList(m Map, key string) List {
	if m == nil {
		return nil
	}
	return AsList(m[key])
}

// MapItems filters a list down to its Map elements.
func MapItems(l List) []Map {
	out := make([]Map, 0, len(l))
	for _, v := range l {
		if m := AsMap(v); m != nil {
			out = append(out, m)
		}
	}
	return out
}

// Entities returns the manifest's entity maps.
func Entities(m Manifest) []Map { return MapItems(SubList(m, "entities")) }

// Views returns the manifest's view maps.
func Views(m Manifest) []Map { return MapItems(SubList(m, "views")) }

// Pages returns the manifest's page maps.
func Pages(m Manifest) []Map { return MapItems(SubList(m, "pages")) }

// Actions returns the manifest's action maps.
func Actions(m Manifest) []Map { return MapItems(SubList(m, "actions")) }

// Workflows returns the manifest's workflow maps.
func Workflows(m Manifest) []Map { return MapItems(SubList(m, "workflows")) }

// Triggers returns the manifest's trigger maps.
func Triggers(m Manifest) []Map { return MapItems(SubList(m, "triggers")) }

// Relations returns the manifest's relation maps.
func Relations(m Manifest) []Map { return MapItems(SubList(m, "relations")) }

// FindByID locates the first map in l whose "id" equals id.
func FindByID(l []Map, id string) Map {
	for _, m := range l {
		if Str(m, "id") == id {
			return m
		}
	}
	return nil
}

// FindEntity locates an entity by id ("entity.<slug>").
func FindEntity(m Manifest, entityID string) Map { return FindByID(Entities(m), entityID) }

// FindView locates a view by id.
func FindView(m Manifest, viewID string) Map { return FindByID(Views(m), viewID) }

// FindPage locates a page by id.
func FindPage(m Manifest, pageID string) Map { return FindByID(Pages(m), pageID) }

// FindAction locates an action by id.
func FindAction(m Manifest, actionID string) Map { return FindByID(Actions(m), actionID) }

// EntitySlug strips the "entity." prefix: "entity.job" → "job".
func EntitySlug(entityID string) string { return strings.TrimPrefix(entityID, "entity.") }

// EntityFields returns an entity's field maps.
func EntityFields(e Map) []Map { return MapItems(SubList(e, "fields")) }

// FindField locates a field by id within an entity.
func FindField(e Map, fieldID string) Map { return FindByID(EntityFields(e), fieldID) }

// DisplayField returns the entity's display field id, or "".
func DisplayField(e Map) string { return Str(e, "display_field") }

// EntityWorkflows returns the workflows bound to the given entity id.
func EntityWorkflows(m Manifest, entityID string) []Map {
	var out []Map
	for _, wf := range Workflows(m) {
		if Str(wf, "entity") == entityID {
			out = append(out, wf)
		}
	}
	return out
}

// LifecycleSuffixes are the status-field suffixes a workflow may govern.
var LifecycleSuffixes = []string{".status", ".state", ".stage"}

// IsLifecycleField reports whether a field id looks like a workflow status
// field.
func IsLifecycleField(fieldID string) bool {
	for _, suf := range LifecycleSuffixes {
		if strings.HasSuffix(fieldID, suf) {
			return true
		}
	}
	return false
}

// DeepCopy clones a JSON value tree. Scalars are shared (immutable).
func DeepCopy(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = DeepCopy(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = DeepCopy(item)
		}
		return out
	default:
		return v
	}
}

// CopyManifest clones a manifest tree.
func CopyManifest(m Manifest) Manifest {
	if m == nil {
		return Manifest{}
	}
	return DeepCopy(m).(map[string]interface{})
}

// FromJSON decodes raw JSON into a manifest tree, preserving number forms.
func FromJSON(data []byte) (Manifest, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}
