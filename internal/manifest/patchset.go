package manifest

import (
	"strings"

	"github.com/ignite/appforge/internal/apperr"
)

// Patch operations mutate a draft manifest. Pointers may be plain RFC6901 or
// selector paths ("/entities/@[id=entity.job]/display_field"); selectors are
// resolved before the op applies.

// PatchOp is one operation of a patchset.
type PatchOp struct {
	Op      string      `json:"op"` // add | set | remove | rename_id
	Pointer string      `json:"pointer"`
	Value   interface{} `json:"value,omitempty"`
	NewID   string      `json:"new_id,omitempty"` // rename_id only
}

// idRefKeys are the positions rename_id rewrites across the manifest.
var idRefKeys = map[string]bool{"entity": true, "entity_id": true, "entityId": true}

// ApplyPatchset applies ops to a copy of m and returns the result. The input
// manifest is never mutated; the first failing op aborts the whole set.
func ApplyPatchset(m Manifest, ops []PatchOp) (Manifest, error) {
	out := CopyManifest(m)
	for i, op := range ops {
		if err := applyOne(out, op); err != nil {
			return nil, err.WithDetail("op_index", i)
		}
	}
	return out, nil
}

// ValidatePatchset checks op shapes without applying them.
func ValidatePatchset(ops []PatchOp) []*apperr.Error {
	var errs []*apperr.Error
	for i, op := range ops {
		switch op.Op {
		case "add", "set":
			if op.Pointer == "" {
				errs = append(errs, apperr.New("PATCHSET_POINTER_REQUIRED", "op %d (%s) requires a pointer", i, op.Op))
			}
		case "remove":
			if op.Pointer == "" {
				errs = append(errs, apperr.New("PATCHSET_POINTER_REQUIRED", "op %d (remove) requires a pointer", i))
			}
		case "rename_id":
			if op.Pointer == "" || op.NewID == "" {
				errs = append(errs, apperr.New("PATCHSET_RENAME_INVALID", "op %d (rename_id) requires pointer and new_id", i))
			}
		default:
			errs = append(errs, apperr.New("PATCHSET_OP_UNKNOWN", "op %d: unknown op %q", i, op.Op))
		}
	}
	return errs
}

func applyOne(doc Manifest, op PatchOp) *apperr.Error {
	pointer, selErr := resolvePointer(doc, op.Pointer)
	if selErr != nil {
		return selErr
	}

	switch op.Op {
	case "add":
		if err := PtrSet(doc, pointer, DeepCopy(op.Value), true); err != nil {
			return apperr.New("PATCHSET_ADD_FAILED", "%v", err)
		}
	case "set":
		// set auto-selects between add and replace based on existence.
		_, exists := PtrGet(doc, pointer)
		if err := PtrSet(doc, pointer, DeepCopy(op.Value), !exists); err != nil {
			return apperr.New("PATCHSET_SET_FAILED", "%v", err)
		}
	case "remove":
		if err := PtrRemove(doc, pointer); err != nil {
			return apperr.New("PATCHSET_REMOVE_FAILED", "%v", err)
		}
	case "rename_id":
		return renameID(doc, pointer, op.NewID)
	default:
		return apperr.New("PATCHSET_OP_UNKNOWN", "unknown op %q", op.Op)
	}
	return nil
}

// resolvePointer resolves the selector segments of a pointer. Only the prefix
// through the last "@[...]" segment must exist; trailing plain tokens pass
// through untouched so add can append with "-" and set can create missing
// keys.
func resolvePointer(doc Manifest, pointer string) (string, *apperr.Error) {
	if !strings.Contains(pointer, "@[") {
		return pointer, nil
	}
	toks := PointerTokens(pointer)
	last := -1
	for i, tok := range toks {
		if strings.HasPrefix(tok, "@[") {
			last = i
		}
	}
	prefix, err := ResolveSelectorPath(doc, joinTokens(toks[:last+1]))
	if err != nil {
		return "", apperr.New("PATCHSET_SELECTOR_FAILED", "%v", err)
	}
	return prefix + joinTokens(toks[last+1:]), nil
}

// renameID is a two-phase op: replace the id at the pointer, then rewrite
// every cross-reference to the old id in any entity|entity_id|entityId
// position across the manifest.
func renameID(doc Manifest, pointer, newID string) *apperr.Error {
	cur, ok := PtrGet(doc, pointer)
	if !ok {
		return apperr.New("PATCHSET_RENAME_INVALID", "pointer %q not found", pointer)
	}
	oldID, ok := cur.(string)
	if !ok {
		return apperr.New("PATCHSET_RENAME_INVALID", "pointer %q does not address a string id", pointer)
	}
	if err := PtrSet(doc, pointer, newID, false); err != nil {
		return apperr.New("PATCHSET_RENAME_INVALID", "%v", err)
	}
	rewriteIDRefs(doc, oldID, newID)
	return nil
}

func rewriteIDRefs(node interface{}, oldID, newID string) {
	switch val := node.(type) {
	case map[string]interface{}:
		for k, v := range val {
			if idRefKeys[k] {
				if s, ok := v.(string); ok && s == oldID {
					val[k] = newID
					continue
				}
			}
			rewriteIDRefs(v, oldID, newID)
		}
	case []interface{}:
		for _, item := range val {
			rewriteIDRefs(item, oldID, newID)
		}
	}
}
