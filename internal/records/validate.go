package records

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/manifest"
)

// Validation codes for record payloads.
const (
	CodeRequiredMissing = "VALIDATION_REQUIRED_MISSING"
	CodeTypeInvalid     = "VALIDATION_TYPE_INVALID"
	CodeEnumInvalid     = "VALIDATION_ENUM_INVALID"
	CodeFieldUnknown    = "VALIDATION_FIELD_UNKNOWN"
)

// Validator checks record payloads against an entity schema and enforces
// lookup targets and domains. It needs the store to resolve lookup targets.
type Validator struct {
	store Store
}

// NewValidator creates a validator over a store.
func NewValidator(store Store) *Validator { return &Validator{store: store} }

// ValidateData type-checks every supplied field and, for the full record
// shape (create, or the merged record on update), requires every required
// writable field to be present and non-empty.
func (v *Validator) ValidateData(entity manifest.Map, data Record) []*apperr.Error {
	var errs []*apperr.Error
	fields := map[string]manifest.Map{}
	for _, f := range manifest.EntityFields(entity) {
		fields[manifest.Str(f, "id")] = f
	}

	for key, val := range data {
		if key == "id" {
			continue
		}
		f, known := fields[key]
		if !known {
			errs = append(errs, fieldErr(CodeFieldUnknown, key, "field %s is not declared by %s", key, manifest.Str(entity, "id")))
			continue
		}
		if val == nil {
			continue
		}
		if err := checkFieldValue(f, val); err != nil {
			errs = append(errs, err)
		}
	}

	for id, f := range fields {
		if !manifest.Bool(f, "required") || manifest.Bool(f, "readonly") {
			continue
		}
		if val, ok := data[id]; !ok || val == nil || val == "" {
			errs = append(errs, fieldErr(CodeRequiredMissing, id, "field %s is required", id))
		}
	}
	return errs
}

func fieldErr(code, fieldID, format string, args ...interface{}) *apperr.Error {
	e := apperr.New(code, format, args...)
	return e.At(fieldID, "/"+fieldID)
}

func checkFieldValue(f manifest.Map, val interface{}) *apperr.Error {
	id := manifest.Str(f, "id")
	switch manifest.Str(f, "type") {
	case "uuid", "lookup":
		s, ok := val.(string)
		if !ok {
			return fieldErr(CodeTypeInvalid, id, "field %s must be a uuid string", id)
		}
		if _, err := uuid.Parse(s); err != nil {
			return fieldErr(CodeTypeInvalid, id, "field %s is not a well-formed uuid", id)
		}
	case "string", "text":
		if _, ok := val.(string); !ok {
			return fieldErr(CodeTypeInvalid, id, "field %s must be a string", id)
		}
	case "number":
		if _, ok := toFloat(val); !ok {
			return fieldErr(CodeTypeInvalid, id, "field %s must be a number", id)
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return fieldErr(CodeTypeInvalid, id, "field %s must be a boolean", id)
		}
	case "enum":
		s, ok := val.(string)
		if !ok {
			return fieldErr(CodeEnumInvalid, id, "field %s must be an enum value string", id)
		}
		for _, o := range manifest.MapItems(manifest.SubList(f, "options")) {
			if manifest.Str(o, "value") == s {
				return nil
			}
		}
		return fieldErr(CodeEnumInvalid, id, "value %q is not an option of %s", s, id)
	case "date":
		s, ok := val.(string)
		if !ok {
			return fieldErr(CodeTypeInvalid, id, "field %s must be an ISO date string", id)
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return fieldErr(CodeTypeInvalid, id, "field %s is not a well-formed ISO date", id)
		}
	case "datetime":
		s, ok := val.(string)
		if !ok {
			return fieldErr(CodeTypeInvalid, id, "field %s must be an ISO datetime string", id)
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return fieldErr(CodeTypeInvalid, id, "field %s is not a well-formed ISO datetime", id)
		}
	case "tags":
		if _, ok := val.([]interface{}); !ok {
			return fieldErr(CodeTypeInvalid, id, "field %s must be a list", id)
		}
	}
	return nil
}

// CheckLookups verifies every non-empty lookup value resolves to an existing
// record of the target entity and, when the field declares a domain, that the
// candidate satisfies it against {candidate, record}.
func (v *Validator) CheckLookups(ctx context.Context, workspaceID string, entity manifest.Map, rec Record) []*apperr.Error {
	var errs []*apperr.Error
	for _, f := range manifest.EntityFields(entity) {
		if manifest.Str(f, "type") != "lookup" {
			continue
		}
		fieldID := manifest.Str(f, "id")
		raw, ok := rec[fieldID]
		if !ok || raw == nil || raw == "" {
			continue
		}
		targetID, ok := raw.(string)
		if !ok {
			errs = append(errs, fieldErr(CodeTypeInvalid, fieldID, "field %s must be a record id", fieldID))
			continue
		}
		target := manifest.Str(f, "target")
		candidate, err := v.store.Get(ctx, workspaceID, target, targetID)
		if err != nil {
			errs = append(errs, fieldErr(apperr.CodeLookupTargetNotFound, fieldID,
				"record %s not found in %s", targetID, target))
			continue
		}

		domain := manifest.SubMap(f, "domain")
		if domain == nil {
			continue
		}
		pass, evalErr := manifest.EvalCondition(domain, manifest.Map{
			"candidate": candidate,
			"record":    rec,
		})
		if evalErr != nil {
			errs = append(errs, apperr.From(evalErr))
			continue
		}
		if !pass {
			errs = append(errs, fieldErr(apperr.CodeLookupDomainViolation, fieldID,
				"record %s does not satisfy the domain of %s", targetID, fieldID))
		}
	}
	return errs
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Describe renders a value for activity entries, bounded for log lines.
func Describe(v interface{}) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}
