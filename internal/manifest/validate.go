package manifest

import (
	"fmt"
	"strings"

	"github.com/ignite/appforge/internal/apperr"
)

// ValidationResult bundles everything the draft validate endpoint reports.
type ValidationResult struct {
	Normalized     Manifest        `json:"-"`
	Errors         []*apperr.Error `json:"errors"`
	Warnings       []*apperr.Error `json:"warnings"`
	Strict         []*apperr.Error `json:"strict"`
	Completeness   []*apperr.Error `json:"completeness"`
	DesignWarnings []*apperr.Error `json:"design_warnings"`
}

// OK reports whether the manifest may be installed: no raw, strict, or
// completeness errors. Design warnings never block.
func (r *ValidationResult) OK() bool {
	return len(r.Errors) == 0 && len(r.Strict) == 0 && len(r.Completeness) == 0
}

// AllErrors flattens the blocking errors in pipeline order.
func (r *ValidationResult) AllErrors() []*apperr.Error {
	out := make([]*apperr.Error, 0, len(r.Errors)+len(r.Strict)+len(r.Completeness))
	out = append(out, r.Errors...)
	out = append(out, r.Strict...)
	out = append(out, r.Completeness...)
	return out
}

// Validate runs the full pipeline: normalize, raw validation, strict
// validation, then (only when clean so far) the completeness check, and
// finally the advisory design lint.
func Validate(moduleID string, in Manifest) *ValidationResult {
	normalized, errors, warnings := ValidateRaw(moduleID, in)
	res := &ValidationResult{
		Normalized: normalized,
		Errors:     errors,
		Warnings:   warnings,
		Strict:     StrictValidate(normalized),
	}
	if len(res.Errors) == 0 && len(res.Strict) == 0 {
		completeErrs, completeWarns := CompletenessCheck(normalized)
		res.Completeness = completeErrs
		res.Warnings = append(res.Warnings, completeWarns...)
	}
	res.DesignWarnings = DesignLint(normalized)
	return res
}

// ValidateRaw normalizes the manifest and reports shape, type, and reference
// errors against the normalized form.
func ValidateRaw(moduleID string, in Manifest) (Manifest, []*apperr.Error, []*apperr.Error) {
	normalized, warnings := Normalize(moduleID, in)
	var errors []*apperr.Error

	seenEntity := map[string]bool{}
	for i, e := range Entities(normalized) {
		entityID := Str(e, "id")
		path := fmt.Sprintf("entities[%d]", i)
		if entityID == "" {
			errors = append(errors, issueAt("MANIFEST_ENTITY_ID_MISSING", "entity id is required", path))
			continue
		}
		if seenEntity[entityID] {
			errors = append(errors, issueAt("MANIFEST_DUPLICATE_ID", "duplicate entity id "+entityID, path))
		}
		seenEntity[entityID] = true

		for j, f := range EntityFields(e) {
			fieldPath := fmt.Sprintf("%s.fields[%d]", path, j)
			fieldID, ftype := Str(f, "id"), Str(f, "type")
			if fieldID == "" {
				errors = append(errors, issueAt("MANIFEST_FIELD_ID_MISSING", "field id is required", fieldPath))
				continue
			}
			if !FieldTypes[ftype] {
				errors = append(errors, issueAt("MANIFEST_FIELD_TYPE_INVALID",
					fmt.Sprintf("field %s has unknown type %q", fieldID, ftype), fieldPath))
			}
			if ftype == "enum" {
				for k, o := range SubList(f, "options") {
					if AsMap(o) == nil {
						errors = append(errors, issueAt("MANIFEST_ENUM_OPTION_INVALID",
							"enum option must be {value,label}", fmt.Sprintf("%s.options[%d]", fieldPath, k)))
					}
				}
			}
			if ftype == "lookup" {
				target := Str(f, "target")
				if target == "" {
					errors = append(errors, issueAt("MANIFEST_LOOKUP_TARGET_MISSING",
						fmt.Sprintf("lookup field %s has no target", fieldID), fieldPath))
				} else if FindEntity(normalized, target) == nil {
					// Cross-module lookups resolve at runtime against other
					// installed manifests; advisory only.
					warnings = append(warnings, issueAt("MANIFEST_LOOKUP_TARGET_EXTERNAL",
						fmt.Sprintf("lookup field %s targets %s outside this manifest", fieldID, target), fieldPath))
				}
			}
		}

		if d := DisplayField(e); d != "" && FindField(e, d) == nil {
			errors = append(errors, issueAt("MANIFEST_DISPLAY_FIELD_UNKNOWN",
				fmt.Sprintf("display_field %s is not a field of %s", d, entityID), path+".display_field"))
		}
	}

	seenView := map[string]bool{}
	for i, v := range Views(normalized) {
		path := fmt.Sprintf("views[%d]", i)
		viewID := Str(v, "id")
		if seenView[viewID] {
			errors = append(errors, issueAt("MANIFEST_DUPLICATE_ID", "duplicate view id "+viewID, path))
		}
		seenView[viewID] = true
		if kind := Str(v, "kind"); kind != "list" && kind != "form" {
			errors = append(errors, issueAt("MANIFEST_VIEW_KIND_INVALID",
				fmt.Sprintf("view %s kind must be list or form", viewID), path+".kind"))
		}
		if entity := Str(v, "entity"); FindEntity(normalized, entity) == nil {
			errors = append(errors, issueAt("MANIFEST_VIEW_ENTITY_UNKNOWN",
				fmt.Sprintf("view %s references unknown entity %q", viewID, entity), path+".entity"))
		}
	}

	for i, a := range Actions(normalized) {
		path := fmt.Sprintf("actions[%d]", i)
		kind := Str(a, "kind")
		if !AllowedActionKinds[kind] {
			errors = append(errors, issueAt("MANIFEST_ACTION_KIND_INVALID",
				fmt.Sprintf("action %s has unknown kind %q", Str(a, "id"), kind), path+".kind"))
			continue
		}
		switch kind {
		case ActionCreateRecord, ActionUpdateRecord, ActionBulkUpdate:
			if entityID := Str(a, "entity_id"); FindEntity(normalized, entityID) == nil {
				errors = append(errors, issueAt("MANIFEST_ACTION_ENTITY_UNKNOWN",
					fmt.Sprintf("action %s references unknown entity %q", Str(a, "id"), entityID), path+".entity_id"))
			}
		}
	}

	for i, wf := range Workflows(normalized) {
		path := fmt.Sprintf("workflows[%d]", i)
		entityID := Str(wf, "entity")
		e := FindEntity(normalized, entityID)
		if e == nil {
			errors = append(errors, issueAt("MANIFEST_WORKFLOW_ENTITY_UNKNOWN",
				fmt.Sprintf("workflow %s references unknown entity %q", Str(wf, "id"), entityID), path+".entity"))
			continue
		}
		statusField := Str(wf, "status_field")
		if !IsLifecycleField(statusField) {
			errors = append(errors, issueAt("MANIFEST_WORKFLOW_STATUS_FIELD_INVALID",
				fmt.Sprintf("workflow %s status_field %q must end in .status, .state, or .stage", Str(wf, "id"), statusField),
				path+".status_field"))
		}
		if FindField(e, statusField) == nil {
			errors = append(errors, issueAt("MANIFEST_WORKFLOW_STATUS_FIELD_UNKNOWN",
				fmt.Sprintf("workflow %s status_field %q is not a field of %s", Str(wf, "id"), statusField, entityID),
				path+".status_field"))
		}
		if len(SubList(wf, "states")) == 0 {
			errors = append(errors, issueAt("MANIFEST_WORKFLOW_STATES_EMPTY",
				fmt.Sprintf("workflow %s declares no states", Str(wf, "id")), path+".states"))
		}
	}

	validEvents := map[string]bool{
		EventRecordCreated: true, EventRecordUpdated: true,
		EventWorkflowStatusChanged: true, EventActionClicked: true,
	}
	for i, tr := range Triggers(normalized) {
		path := fmt.Sprintf("triggers[%d]", i)
		if event := Str(tr, "event"); !validEvents[event] {
			errors = append(errors, issueAt("MANIFEST_TRIGGER_EVENT_INVALID",
				fmt.Sprintf("trigger %s has unknown event %q", Str(tr, "id"), event), path+".event"))
		}
	}

	return normalized, errors, warnings
}

// StrictValidate enforces the structural rules install refuses to bend:
// namespacing, reference existence, and page shape.
func StrictValidate(m Manifest) []*apperr.Error {
	var errs []*apperr.Error

	for key := range m {
		if strings.Contains(key, ".") {
			errs = append(errs, issueAt("MANIFEST_STRICT_TOP_LEVEL_DOTTED",
				fmt.Sprintf("top-level key %q must not contain dots", key), key))
		}
	}

	for i, e := range Entities(m) {
		entityID := Str(e, "id")
		path := fmt.Sprintf("entities[%d]", i)
		if !strings.HasPrefix(entityID, "entity.") {
			errs = append(errs, issueAt("MANIFEST_STRICT_ENTITY_ID",
				fmt.Sprintf("entity id %q must start with entity.", entityID), path+".id"))
			continue
		}
		slug := EntitySlug(entityID)
		for j, f := range EntityFields(e) {
			fieldID := Str(f, "id")
			if !strings.HasPrefix(fieldID, slug+".") {
				errs = append(errs, issueAt("MANIFEST_STRICT_FIELD_ID",
					fmt.Sprintf("field id %q must be namespaced %s.<field>", fieldID, slug),
					fmt.Sprintf("%s.fields[%d].id", path, j)))
			}
		}
		if d := DisplayField(e); d == "" || FindField(e, d) == nil {
			errs = append(errs, issueAt("MANIFEST_STRICT_DISPLAY_FIELD",
				fmt.Sprintf("entity %s display_field %q must reference an existing field", entityID, d),
				path+".display_field"))
		}
	}

	for i, v := range Views(m) {
		path := fmt.Sprintf("views[%d]", i)
		if Str(v, "kind") == "" {
			errs = append(errs, issueAt("MANIFEST_STRICT_VIEW_KIND", "view kind is required", path+".kind"))
		}
		if FindEntity(m, Str(v, "entity")) == nil {
			errs = append(errs, issueAt("MANIFEST_STRICT_VIEW_ENTITY",
				fmt.Sprintf("view %s entity %q does not exist", Str(v, "id"), Str(v, "entity")), path+".entity"))
		}
	}

	for i, p := range Pages(m) {
		path := fmt.Sprintf("pages[%d]", i)
		if Str(p, "layout") == "" {
			errs = append(errs, issueAt("MANIFEST_STRICT_PAGE_LAYOUT", "page layout is required", path+".layout"))
		}
		content, ok := p["content"].([]interface{})
		if !ok {
			errs = append(errs, issueAt("MANIFEST_STRICT_PAGE_CONTENT", "page content must be a list", path+".content"))
			continue
		}
		walkBlocks(content, path+".content", func(block Map, blockPath string) {
			if Str(block, "kind") != "view" {
				return
			}
			target := Str(block, "target")
			if !strings.HasPrefix(target, "view:") {
				errs = append(errs, issueAt("MANIFEST_STRICT_VIEW_TARGET",
					fmt.Sprintf("view block target %q must use the view: prefix", target), blockPath+".target"))
				return
			}
			if FindView(m, strings.TrimPrefix(target, "view:")) == nil {
				errs = append(errs, issueAt("MANIFEST_STRICT_VIEW_TARGET_UNKNOWN",
					fmt.Sprintf("view block targets unknown view %q", target), blockPath+".target"))
			}
		})
	}

	app := SubMap(m, "app")
	home := Str(app, "home")
	if !strings.HasPrefix(home, "page:") || FindPage(m, strings.TrimPrefix(home, "page:")) == nil {
		errs = append(errs, issueAt("MANIFEST_STRICT_HOME",
			fmt.Sprintf("app.home %q must reference an existing page", home), "app.home"))
	}
	for i, g := range MapItems(SubList(app, "nav")) {
		for j, item := range MapItems(SubList(g, "items")) {
			target := Str(item, "target")
			if strings.HasPrefix(target, "page:") && FindPage(m, strings.TrimPrefix(target, "page:")) == nil {
				errs = append(errs, issueAt("MANIFEST_STRICT_NAV_TARGET",
					fmt.Sprintf("nav item targets unknown page %q", target),
					fmt.Sprintf("app.nav[%d].items[%d].target", i, j)))
			}
		}
	}

	return errs
}

// walkBlocks visits every block of a page content tree, depth first.
func walkBlocks(content List, path string, visit func(block Map, path string)) {
	for i, item := range content {
		block := AsMap(item)
		if block == nil {
			continue
		}
		blockPath := fmt.Sprintf("%s[%d]", path, i)
		visit(block, blockPath)
		walkBlocks(SubList(block, "content"), blockPath+".content", visit)
	}
}
