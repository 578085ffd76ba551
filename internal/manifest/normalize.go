package manifest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ignite/appforge/internal/apperr"
)

// Normalize runs the deterministic completion pipeline over a manifest copy:
// sanitize, identity, lookups, relations, system id fields, baseline
// scaffolds, workflows, enum options, view headers, status actions, and
// architecture enforcement. It is a fixed point: applying it to its own
// output changes nothing.
func Normalize(moduleID string, in Manifest) (Manifest, []*apperr.Error) {
	m := CopyManifest(in)
	var warnings []*apperr.Error

	sanitize(m)
	ensureModuleIdentity(moduleID, m)
	normalizeLookups(m)
	normalizeRelations(m, &warnings)
	normalizeSystemIDFields(m)
	scaffoldBaselines(m)
	normalizeWorkflows(m, &warnings)
	materializeEnumOptions(m)
	canonicalizeEnumOptions(m)
	normalizeViewHeaders(m)
	ensureStatusActions(m)
	enforceArchitecture(m)

	return m, warnings
}

// sanitize hoists dotted top-level keys ("module.id" → module.id) into their
// section objects and rewrites the block "type" synonym to "kind".
func sanitize(m Manifest) {
	for key, val := range m {
		dot := strings.IndexByte(key, '.')
		if dot <= 0 {
			continue
		}
		section, sub := key[:dot], key[dot+1:]
		target := SubMap(m, section)
		if target == nil {
			target = Map{}
			m[section] = target
		}
		if _, exists := target[sub]; !exists {
			target[sub] = val
		}
		delete(m, key)
	}

	for _, section := range []string{"entities", "views", "pages", "actions", "relations", "workflows", "triggers"} {
		if _, ok := m[section].([]interface{}); !ok {
			m[section] = List{}
		}
	}
	if SubMap(m, "module") == nil {
		m["module"] = Map{}
	}
	if SubMap(m, "app") == nil {
		m["app"] = Map{}
	}

	for _, page := range Pages(m) {
		normalizeBlockKinds(SubList(page, "content"))
	}
}

func normalizeBlockKinds(content List) {
	for _, item := range content {
		block := AsMap(item)
		if block == nil {
			continue
		}
		if _, hasKind := block["kind"]; !hasKind {
			if t, ok := block["type"].(string); ok {
				block["kind"] = t
				delete(block, "type")
			}
		}
		normalizeBlockKinds(SubList(block, "content"))
	}
}

// ensureModuleIdentity forces module.id to the target module and defaults
// app.home when missing or pointing nowhere. Home is revisited after
// scaffolding in enforceArchitecture.
func ensureModuleIdentity(moduleID string, m Manifest) {
	mod := SubMap(m, "module")
	mod["id"] = moduleID
	if Str(mod, "name") == "" {
		mod["name"] = titleize(moduleID)
	}
	fixHome(m)
}

func fixHome(m Manifest) {
	app := SubMap(m, "app")
	home := Str(app, "home")
	valid := strings.HasPrefix(home, "page:") && FindPage(m, strings.TrimPrefix(home, "page:")) != nil
	if valid {
		return
	}
	pages := Pages(m)
	if len(pages) > 0 {
		app["home"] = "page:" + Str(pages[0], "id")
	}
}

// normalizeLookups canonicalizes lookup field targets, defaults
// display_field, and backfills id/name fields on in-manifest targets.
func normalizeLookups(m Manifest) {
	for _, e := range Entities(m) {
		for _, f := range EntityFields(e) {
			if Str(f, "type") != "lookup" {
				continue
			}
			target := Str(f, "target")
			for _, syn := range []string{"entity", "entity_id"} {
				if target == "" {
					target = Str(f, syn)
				}
				delete(f, syn)
			}
			if target == "" {
				continue
			}
			if !strings.HasPrefix(target, "entity.") {
				target = "entity." + target
			}
			f["target"] = target

			slug := EntitySlug(target)
			if Str(f, "display_field") == "" {
				f["display_field"] = slug + ".name"
			}
			if ref := FindEntity(m, target); ref != nil {
				ensureEntityField(ref, slug+".id", Map{"id": slug + ".id", "type": "uuid", "readonly": true, "required": false})
				ensureEntityField(ref, slug+".name", Map{"id": slug + ".name", "type": "string"})
			}
		}
	}
}

func ensureEntityField(e Map, fieldID string, field Map) {
	if FindField(e, fieldID) != nil {
		return
	}
	e["fields"] = append(SubList(e, "fields"), field)
}

// normalizeRelations accepts {from,to} or legacy {from_field,to_field} and
// drops malformed relations with a warning.
func normalizeRelations(m Manifest, warnings *[]*apperr.Error) {
	raw := SubList(m, "relations")
	kept := List{}
	for i, item := range raw {
		rel := AsMap(item)
		if rel == nil {
			*warnings = append(*warnings, issueAt("MANIFEST_RELATION_DROPPED", "relation is not an object",
				fmt.Sprintf("relations[%d]", i)))
			continue
		}
		for legacy, canon := range map[string]string{"from_field": "from", "to_field": "to"} {
			if Str(rel, canon) == "" && Str(rel, legacy) != "" {
				rel[canon] = rel[legacy]
			}
			delete(rel, legacy)
		}
		if Str(rel, "from") == "" || Str(rel, "to") == "" {
			*warnings = append(*warnings, issueAt("MANIFEST_RELATION_DROPPED", "relation missing from/to",
				fmt.Sprintf("relations[%d]", i)))
			continue
		}
		kept = append(kept, rel)
	}
	m["relations"] = kept
}

// normalizeSystemIDFields forces ".id" uuid fields to readonly, not required.
func normalizeSystemIDFields(m Manifest) {
	for _, e := range Entities(m) {
		for _, f := range EntityFields(e) {
			if strings.HasSuffix(Str(f, "id"), ".id") && Str(f, "type") == "uuid" {
				f["readonly"] = true
				f["required"] = false
			}
		}
	}
}

// fieldTypePriority orders candidate list columns by usefulness.
var fieldTypePriority = map[string]int{
	"string": 0, "text": 1, "enum": 2, "date": 3,
	"datetime": 4, "lookup": 5, "number": 6, "boolean": 7,
}

// scaffoldBaselines guarantees every entity has a list and form view plus
// their pages, seeding list columns and form sections from the schema.
func scaffoldBaselines(m Manifest) {
	for _, e := range Entities(m) {
		entityID := Str(e, "id")
		if !strings.HasPrefix(entityID, "entity.") {
			continue
		}
		slug := EntitySlug(entityID)

		list := FindView(m, slug+".list")
		if list == nil {
			list = Map{"id": slug + ".list", "kind": "list", "entity": entityID}
			m["views"] = append(SubList(m, "views"), list)
		}
		form := FindView(m, slug+".form")
		if form == nil {
			form = Map{"id": slug + ".form", "kind": "form", "entity": entityID}
			m["views"] = append(SubList(m, "views"), form)
		}

		if FindPage(m, slug+".list_page") == nil {
			m["pages"] = append(SubList(m, "pages"), Map{
				"id":     slug + ".list_page",
				"title":  titleize(slug),
				"layout": "full",
				"content": List{
					Map{"kind": "view", "target": "view:" + slug + ".list"},
				},
			})
		}
		if FindPage(m, slug+".form_page") == nil {
			m["pages"] = append(SubList(m, "pages"), Map{
				"id":     slug + ".form_page",
				"title":  titleize(slug),
				"layout": "full",
				"content": List{
					Map{
						"kind":      "record",
						"entity_id": entityID,
						"param":     "record_id",
						"content": List{
							Map{"kind": "view", "target": "view:" + slug + ".form"},
						},
					},
				},
			})
		}

		seedListColumns(e, list)
		seedFormSections(e, form)
	}
}

// seedListColumns fills empty list columns with the display field plus up to
// three useful fields (non-UUID, non-*_id), ordered by type priority.
func seedListColumns(e, list Map) {
	if len(SubList(list, "columns")) > 0 {
		return
	}
	display := DisplayField(e)
	cols := List{}
	if display != "" {
		cols = append(cols, Map{"field_id": display})
	}

	type candidate struct {
		id   string
		prio int
		pos  int
	}
	var cands []candidate
	for i, f := range EntityFields(e) {
		id, ftype := Str(f, "id"), Str(f, "type")
		if id == display || ftype == "uuid" || strings.HasSuffix(id, "_id") || strings.HasSuffix(id, ".id") {
			continue
		}
		prio, ok := fieldTypePriority[ftype]
		if !ok {
			continue
		}
		cands = append(cands, candidate{id: id, prio: prio, pos: i})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].prio != cands[j].prio {
			return cands[i].prio < cands[j].prio
		}
		return cands[i].pos < cands[j].pos
	})
	for i := 0; i < len(cands) && i < 3; i++ {
		cols = append(cols, Map{"field_id": cands[i].id})
	}
	list["columns"] = cols
}

// seedFormSections guarantees a Details section carrying the display field
// and every required writable field; wide sections switch to two columns.
func seedFormSections(e, form Map) {
	sections := SubList(form, "sections")
	if len(sections) == 0 {
		wanted := List{}
		seen := map[string]bool{}
		add := func(id string) {
			if id != "" && !seen[id] {
				seen[id] = true
				wanted = append(wanted, id)
			}
		}
		add(DisplayField(e))
		for _, f := range EntityFields(e) {
			if Bool(f, "required") && !Bool(f, "readonly") {
				add(Str(f, "id"))
			}
		}
		sections = List{Map{"title": "Details", "fields": wanted}}
		form["sections"] = sections
	}

	for _, item := range sections {
		section := AsMap(item)
		if section == nil {
			continue
		}
		if len(SubList(section, "fields")) > 4 && Str(section, "layout") == "" {
			section["layout"] = "columns"
			section["columns"] = 2
		}
	}
}

// normalizeWorkflows keeps at most one workflow per entity (preferring a
// lifecycle-like status field), normalizes state items to {id,label}, and
// renames duplicate workflow ids.
func normalizeWorkflows(m Manifest, warnings *[]*apperr.Error) {
	byEntity := map[string]int{} // entity id → index of kept workflow in result
	kept := List{}
	for i, item := range SubList(m, "workflows") {
		wf := AsMap(item)
		if wf == nil {
			continue
		}
		entityID := Str(wf, "entity")
		if entityID == "" {
			entityID = Str(wf, "entity_id")
		}
		delete(wf, "entity_id")
		if entityID != "" && !strings.HasPrefix(entityID, "entity.") {
			entityID = "entity." + entityID
		}
		wf["entity"] = entityID
		normalizeWorkflowStates(wf)

		prev, exists := byEntity[entityID]
		if !exists {
			byEntity[entityID] = len(kept)
			kept = append(kept, wf)
			continue
		}
		prevWF := AsMap(kept[prev])
		if !IsLifecycleField(Str(prevWF, "status_field")) && IsLifecycleField(Str(wf, "status_field")) {
			*warnings = append(*warnings, issueAt("MANIFEST_WORKFLOW_DROPPED",
				fmt.Sprintf("entity %s already has workflow %s; dropping %s", entityID, Str(wf, "id"), Str(prevWF, "id")),
				fmt.Sprintf("workflows[%d]", i)))
			kept[prev] = wf
		} else {
			*warnings = append(*warnings, issueAt("MANIFEST_WORKFLOW_DROPPED",
				fmt.Sprintf("entity %s already has workflow %s; dropping %s", entityID, Str(prevWF, "id"), Str(wf, "id")),
				fmt.Sprintf("workflows[%d]", i)))
		}
	}

	// Rename duplicate workflow ids with _2, _3, ... suffixes.
	seen := map[string]int{}
	for _, item := range kept {
		wf := AsMap(item)
		id := Str(wf, "id")
		seen[id]++
		if seen[id] > 1 {
			wf["id"] = fmt.Sprintf("%s_%d", id, seen[id])
		}
	}
	m["workflows"] = kept
}

func normalizeWorkflowStates(wf Map) {
	states := SubList(wf, "states")
	out := List{}
	for _, s := range states {
		switch v := s.(type) {
		case string:
			out = append(out, Map{"id": v, "label": titleize(v)})
		case map[string]interface{}:
			if Str(v, "id") == "" {
				continue
			}
			if Str(v, "label") == "" {
				v["label"] = titleize(Str(v, "id"))
			}
			out = append(out, v)
		}
	}
	wf["states"] = out
}

// materializeEnumOptions derives status-field enum options from workflow
// states when the declared options are missing or plain strings.
func materializeEnumOptions(m Manifest) {
	for _, wf := range Workflows(m) {
		e := FindEntity(m, Str(wf, "entity"))
		if e == nil {
			continue
		}
		f := FindField(e, Str(wf, "status_field"))
		if f == nil || Str(f, "type") != "enum" {
			continue
		}
		if !optionsNeedMaterializing(SubList(f, "options")) {
			continue
		}
		opts := List{}
		for _, s := range MapItems(SubList(wf, "states")) {
			opts = append(opts, Map{"value": Str(s, "id"), "label": Str(s, "label")})
		}
		f["options"] = opts
	}
}

// canonicalizeEnumOptions rewrites plain string options to {value,label} on
// every enum field. Workflow status fields were already materialized from
// states, so this covers the rest.
func canonicalizeEnumOptions(m Manifest) {
	for _, e := range Entities(m) {
		for _, f := range EntityFields(e) {
			if Str(f, "type") != "enum" {
				continue
			}
			opts := SubList(f, "options")
			out := List{}
			changed := false
			for _, o := range opts {
				if s, ok := o.(string); ok {
					out = append(out, Map{"value": s, "label": titleize(s)})
					changed = true
					continue
				}
				out = append(out, o)
			}
			if changed {
				f["options"] = out
			}
		}
	}
}

func optionsNeedMaterializing(options List) bool {
	if len(options) == 0 {
		return true
	}
	for _, o := range options {
		if _, isString := o.(string); isString {
			return true
		}
	}
	return false
}

// normalizeViewHeaders fills list search/create defaults and form header
// defaults (title field, auto-save, statusbar, tabs).
func normalizeViewHeaders(m Manifest) {
	for _, v := range Views(m) {
		e := FindEntity(m, Str(v, "entity"))
		if e == nil {
			continue
		}
		switch Str(v, "kind") {
		case "list":
			normalizeListView(m, v, e)
		case "form":
			normalizeFormView(m, v, e)
		}
	}
}

func normalizeListView(m Manifest, v, e Map) {
	slug := EntitySlug(Str(e, "id"))
	if Str(v, "create_behavior") == "" {
		v["create_behavior"] = "open_form"
	}

	search := SubMap(v, "search")
	if search == nil {
		search = Map{}
		v["search"] = search
	}
	if _, ok := search["enabled"]; !ok {
		search["enabled"] = true
	}
	if Str(search, "placeholder") == "" {
		search["placeholder"] = "Search " + titleize(slug) + "..."
	}
	if len(SubList(search, "fields")) == 0 {
		fields := List{}
		seen := map[string]bool{}
		if d := DisplayField(e); d != "" {
			fields = append(fields, d)
			seen[d] = true
		}
		for _, f := range EntityFields(e) {
			t := Str(f, "type")
			if (t == "string" || t == "text") && !seen[Str(f, "id")] {
				fields = append(fields, Str(f, "id"))
				seen[Str(f, "id")] = true
			}
		}
		search["fields"] = fields
	}

	actionID := Str(v, "primary_action")
	if actionID == "" {
		actionID = "action." + slug + "_new"
		v["primary_action"] = actionID
	}
	action := FindAction(m, actionID)
	if action == nil {
		action = Map{
			"id":        actionID,
			"kind":      ActionCreateRecord,
			"entity_id": Str(e, "id"),
			"label":     "New " + titleize(slug),
			"defaults":  Map{},
		}
		m["actions"] = append(SubList(m, "actions"), action)
	}
	// A one-click create cannot satisfy required fields without defaults;
	// fall back to opening the form.
	if Str(action, "kind") == ActionCreateRecord && hasRequiredWithoutDefaults(e, SubMap(action, "defaults")) {
		action["kind"] = ActionOpenForm
		action["target"] = "view:" + slug + ".form"
		delete(action, "defaults")
	}
}

func hasRequiredWithoutDefaults(e Map, defaults Map) bool {
	for _, f := range EntityFields(e) {
		if !Bool(f, "required") || Bool(f, "readonly") {
			continue
		}
		if defaults == nil {
			return true
		}
		if _, ok := defaults[Str(f, "id")]; !ok {
			return true
		}
	}
	return false
}

func normalizeFormView(m Manifest, v, e Map) {
	header := SubMap(v, "header")
	if header == nil {
		header = Map{}
		v["header"] = header
	}
	if Str(header, "title_field") == "" {
		header["title_field"] = DisplayField(e)
	}
	if _, ok := header["auto_save"]; !ok {
		header["auto_save"] = true
	}
	if _, ok := header["auto_save_debounce_ms"]; !ok {
		header["auto_save_debounce_ms"] = 750
	}
	if Str(header, "save_mode") == "" {
		header["save_mode"] = "top"
	}

	if SubMap(header, "statusbar") == nil {
		if wf := singleLifecycleWorkflow(m, Str(e, "id")); wf != nil {
			statusField := FindField(e, Str(wf, "status_field"))
			if statusField != nil && Str(statusField, "type") == "enum" {
				header["statusbar"] = Map{"field_id": Str(wf, "status_field")}
			}
		}
	}

	if _, ok := header["tabs"]; !ok && len(SubList(v, "sections")) >= 2 {
		header["tabs"] = true
	}
}

// singleLifecycleWorkflow returns the entity's workflow iff it has exactly
// one and its status field is lifecycle-like.
func singleLifecycleWorkflow(m Manifest, entityID string) Map {
	wfs := EntityWorkflows(m, entityID)
	if len(wfs) != 1 {
		return nil
	}
	if !IsLifecycleField(Str(wfs[0], "status_field")) {
		return nil
	}
	return wfs[0]
}

// ensureStatusActions creates per-state set/bulk-set actions for each
// single-workflow entity and wires them into the form and list views.
func ensureStatusActions(m Manifest) {
	for _, e := range Entities(m) {
		entityID := Str(e, "id")
		wfs := EntityWorkflows(m, entityID)
		if len(wfs) != 1 {
			continue
		}
		wf := wfs[0]
		slug := EntitySlug(entityID)
		statusField := Str(wf, "status_field")

		var setIDs, bulkIDs []string
		for _, s := range MapItems(SubList(wf, "states")) {
			stateID := Str(s, "id")
			setID := fmt.Sprintf("action.%s_set_%s", slug, stateID)
			bulkID := fmt.Sprintf("action.%s_bulk_set_%s", slug, stateID)
			if FindAction(m, setID) == nil {
				m["actions"] = append(SubList(m, "actions"), Map{
					"id":        setID,
					"kind":      ActionUpdateRecord,
					"entity_id": entityID,
					"label":     "Set " + Str(s, "label"),
					"patch":     Map{statusField: stateID},
				})
			}
			if FindAction(m, bulkID) == nil {
				m["actions"] = append(SubList(m, "actions"), Map{
					"id":        bulkID,
					"kind":      ActionBulkUpdate,
					"entity_id": entityID,
					"label":     "Set " + Str(s, "label"),
					"patch":     Map{statusField: stateID},
				})
			}
			setIDs = append(setIDs, setID)
			bulkIDs = append(bulkIDs, bulkID)
		}

		if form := FindView(m, slug+".form"); form != nil {
			form["secondary_actions"] = mergeIDs(SubList(form, "secondary_actions"), setIDs)
		}
		if list := FindView(m, slug+".list"); list != nil {
			list["bulk_actions"] = mergeIDs(SubList(list, "bulk_actions"), bulkIDs)
		}
	}
}

func mergeIDs(existing List, add []string) List {
	seen := map[string]bool{}
	for _, v := range existing {
		if s, ok := v.(string); ok {
			seen[s] = true
		}
	}
	out := existing
	for _, id := range add {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// enforceArchitecture rebuilds the Main nav group, fills app entity
// defaults, and re-validates home now that scaffolds exist.
func enforceArchitecture(m Manifest) {
	app := SubMap(m, "app")

	items := List{}
	for _, e := range Entities(m) {
		slug := EntitySlug(Str(e, "id"))
		label := Str(e, "name")
		if label == "" {
			label = titleize(slug)
		}
		items = append(items, Map{"label": label, "target": "page:" + slug + ".list_page"})
	}
	main := Map{"label": "Main", "items": items}
	nav := List{main}
	for _, g := range MapItems(SubList(app, "nav")) {
		if Str(g, "label") != "Main" {
			nav = append(nav, g)
		}
	}
	app["nav"] = nav

	defaults := SubMap(app, "defaults")
	if defaults == nil {
		defaults = Map{}
		app["defaults"] = defaults
	}
	entDefaults := SubMap(defaults, "entities")
	if entDefaults == nil {
		entDefaults = Map{}
		defaults["entities"] = entDefaults
	}
	for _, e := range Entities(m) {
		entityID := Str(e, "id")
		slug := EntitySlug(entityID)
		d := SubMap(entDefaults, entityID)
		if d == nil {
			d = Map{}
			entDefaults[entityID] = d
		}
		if Str(d, "entity_form_page") == "" {
			d["entity_form_page"] = slug + ".form_page"
		}
		if Str(d, "entity_home_page") == "" {
			d["entity_home_page"] = slug + ".list_page"
		}
	}

	fixHome(m)
}

func titleize(s string) string {
	s = strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(s)
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func issueAt(code, message, path string) *apperr.Error {
	return (&apperr.Error{Code: code, Message: message}).At(path, PathToPointer(path))
}
