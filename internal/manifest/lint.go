package manifest

import (
	"fmt"

	"github.com/ignite/appforge/internal/apperr"
)

// DesignLint produces advisory warnings about manifests that install fine
// but will feel broken to end users.
func DesignLint(m Manifest) []*apperr.Error {
	var warns []*apperr.Error

	for i, v := range Views(m) {
		path := fmt.Sprintf("views[%d]", i)
		switch Str(v, "kind") {
		case "form":
			warns = append(warns, lintForm(m, v, path)...)
		case "list":
			if len(SubList(v, "columns")) < 2 {
				warns = append(warns, issueAt("DESIGN_LIST_FEW_COLUMNS",
					fmt.Sprintf("list %s has fewer than 2 columns", Str(v, "id")), path+".columns"))
			}
		}
	}

	for i, wf := range Workflows(m) {
		slug := EntitySlug(Str(wf, "entity"))
		hasStatusAction := false
		for _, s := range MapItems(SubList(wf, "states")) {
			if FindAction(m, fmt.Sprintf("action.%s_set_%s", slug, Str(s, "id"))) != nil {
				hasStatusAction = true
				break
			}
		}
		if !hasStatusAction {
			warns = append(warns, issueAt("DESIGN_WORKFLOW_NO_STATUS_ACTIONS",
				fmt.Sprintf("workflow %s has no status actions", Str(wf, "id")),
				fmt.Sprintf("workflows[%d]", i)))
		}
	}

	for i, p := range Pages(m) {
		walkBlocks(SubList(p, "content"), fmt.Sprintf("pages[%d].content", i), func(block Map, path string) {
			if Str(block, "kind") != "container" {
				return
			}
			children := SubList(block, "content")
			if len(children) == 1 && Str(AsMap(children[0]), "kind") == "view" {
				warns = append(warns, issueAt("DESIGN_REDUNDANT_CONTAINER",
					"container wraps a single view; inline the view block", path))
			}
		})
	}

	return warns
}

func lintForm(m Manifest, v Map, path string) []*apperr.Error {
	var warns []*apperr.Error

	total := 0
	inForm := map[string]bool{}
	for _, s := range MapItems(SubList(v, "sections")) {
		for _, f := range SubList(s, "fields") {
			if id, ok := f.(string); ok {
				inForm[id] = true
				total++
			}
		}
	}
	if total == 0 {
		warns = append(warns, issueAt("DESIGN_EMPTY_FORM",
			fmt.Sprintf("form %s has no fields", Str(v, "id")), path+".sections"))
		return warns
	}

	e := FindEntity(m, Str(v, "entity"))
	for _, f := range EntityFields(e) {
		if Bool(f, "required") && !Bool(f, "readonly") && !inForm[Str(f, "id")] {
			warns = append(warns, issueAt("DESIGN_FORM_MISSING_REQUIRED",
				fmt.Sprintf("form %s omits required field %s", Str(v, "id"), Str(f, "id")), path+".sections"))
		}
	}
	return warns
}
