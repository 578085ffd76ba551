package manifest

import (
	"fmt"
	"strings"

	"github.com/ignite/appforge/internal/apperr"
)

// CompletenessCheck verifies that the scaffolding contract holds: every
// entity has wired list and form pages, and the form page binds a record
// block. It also warns about orphan views and pages nothing can reach.
func CompletenessCheck(m Manifest) ([]*apperr.Error, []*apperr.Error) {
	var errors, warnings []*apperr.Error

	for _, e := range Entities(m) {
		entityID := Str(e, "id")
		slug := EntitySlug(entityID)

		listPage := FindPage(m, slug+".list_page")
		if listPage == nil {
			errors = append(errors, issueAt("COMPLETENESS_PAGE_MISSING",
				fmt.Sprintf("entity %s is missing page %s.list_page", entityID, slug), "pages"))
		} else if !pageTargetsView(listPage, slug+".list") {
			errors = append(errors, issueAt("COMPLETENESS_VIEW_NOT_WIRED",
				fmt.Sprintf("page %s.list_page does not contain view:%s.list", slug, slug),
				fmt.Sprintf("pages[%d].content", pageIndex(m, slug+".list_page"))))
		}

		formPage := FindPage(m, slug+".form_page")
		if formPage == nil {
			errors = append(errors, issueAt("COMPLETENESS_PAGE_MISSING",
				fmt.Sprintf("entity %s is missing page %s.form_page", entityID, slug), "pages"))
			continue
		}
		if !pageTargetsView(formPage, slug+".form") {
			errors = append(errors, issueAt("COMPLETENESS_VIEW_NOT_WIRED",
				fmt.Sprintf("page %s.form_page does not contain view:%s.form", slug, slug),
				fmt.Sprintf("pages[%d].content", pageIndex(m, slug+".form_page"))))
		}
		if !pageHasRecordBlock(formPage, entityID) {
			errors = append(errors, issueAt("COMPLETENESS_RECORD_BLOCK_MISSING",
				fmt.Sprintf("page %s.form_page has no record block bound to %s", slug, entityID),
				fmt.Sprintf("pages[%d].content", pageIndex(m, slug+".form_page"))))
		}
	}

	warnings = append(warnings, orphanViewWarnings(m)...)
	warnings = append(warnings, unreachablePageWarnings(m)...)
	return errors, warnings
}

func pageIndex(m Manifest, pageID string) int {
	for i, p := range Pages(m) {
		if Str(p, "id") == pageID {
			return i
		}
	}
	return -1
}

func pageTargetsView(page Map, viewID string) bool {
	found := false
	walkBlocks(SubList(page, "content"), "", func(block Map, _ string) {
		if Str(block, "kind") == "view" && Str(block, "target") == "view:"+viewID {
			found = true
		}
	})
	return found
}

func pageHasRecordBlock(page Map, entityID string) bool {
	found := false
	walkBlocks(SubList(page, "content"), "", func(block Map, _ string) {
		if Str(block, "kind") == "record" && Str(block, "entity_id") == entityID {
			found = true
		}
	})
	return found
}

// orphanViewWarnings flags views no page block targets.
func orphanViewWarnings(m Manifest) []*apperr.Error {
	targeted := map[string]bool{}
	for _, p := range Pages(m) {
		walkBlocks(SubList(p, "content"), "", func(block Map, _ string) {
			if Str(block, "kind") == "view" {
				targeted[strings.TrimPrefix(Str(block, "target"), "view:")] = true
			}
		})
	}
	var warns []*apperr.Error
	for i, v := range Views(m) {
		if !targeted[Str(v, "id")] {
			warns = append(warns, issueAt("COMPLETENESS_ORPHAN_VIEW",
				fmt.Sprintf("view %s is not referenced by any page", Str(v, "id")),
				fmt.Sprintf("views[%d]", i)))
		}
	}
	return warns
}

// unreachablePageWarnings flags pages not reachable from nav, home, list
// open_record targets, or app entity defaults.
func unreachablePageWarnings(m Manifest) []*apperr.Error {
	reachable := map[string]bool{}
	app := SubMap(m, "app")

	if home := Str(app, "home"); strings.HasPrefix(home, "page:") {
		reachable[strings.TrimPrefix(home, "page:")] = true
	}
	for _, g := range MapItems(SubList(app, "nav")) {
		for _, item := range MapItems(SubList(g, "items")) {
			if target := Str(item, "target"); strings.HasPrefix(target, "page:") {
				reachable[strings.TrimPrefix(target, "page:")] = true
			}
		}
	}
	for _, v := range Views(m) {
		if Str(v, "kind") != "list" {
			continue
		}
		if target := Str(v, "open_record"); strings.HasPrefix(target, "page:") {
			reachable[strings.TrimPrefix(target, "page:")] = true
		}
	}
	for _, d := range SubMap(SubMap(app, "defaults"), "entities") {
		dm := AsMap(d)
		if dm == nil {
			continue
		}
		if p := Str(dm, "entity_form_page"); p != "" {
			reachable[p] = true
		}
		if p := Str(dm, "entity_home_page"); p != "" {
			reachable[p] = true
		}
	}

	var warns []*apperr.Error
	for i, p := range Pages(m) {
		if !reachable[Str(p, "id")] {
			warns = append(warns, issueAt("COMPLETENESS_UNREACHABLE_PAGE",
				fmt.Sprintf("page %s is not reachable from nav, home, open_record, or defaults", Str(p, "id")),
				fmt.Sprintf("pages[%d]", i)))
		}
	}
	return warns
}
