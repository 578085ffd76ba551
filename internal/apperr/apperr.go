// Package apperr defines the structured error shape surfaced at the core
// boundary. Every error or warning the runtime reports carries a stable code,
// a human message, and (for manifest/record validation) a path in both
// dot/bracket and RFC6901 forms.
package apperr

import "fmt"

// Error is the boundary-visible error shape.
type Error struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Path        string         `json:"path,omitempty"`
	JSONPointer string         `json:"json_pointer,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (at %s)", e.Code, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates an Error with a code and formatted message.
func New(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// At returns a copy of the error annotated with a dot/bracket path and its
// RFC6901 equivalent.
func (e *Error) At(path, pointer string) *Error {
	dup := *e
	dup.Path = path
	dup.JSONPointer = pointer
	return &dup
}

// WithDetail returns a copy of the error with one detail key set.
func (e *Error) WithDetail(key string, val any) *Error {
	dup := *e
	dup.Detail = map[string]any{}
	for k, v := range e.Detail {
		dup.Detail[k] = v
	}
	dup.Detail[key] = val
	return &dup
}

// Is reports whether err is an *Error with the given code.
func Is(err error, code string) bool {
	ae, ok := err.(*Error)
	return ok && ae.Code == code
}

// CodeOf extracts the code from an error, or INTERNAL_ERROR for foreign errors.
func CodeOf(err error) string {
	if ae, ok := err.(*Error); ok {
		return ae.Code
	}
	return CodeInternal
}

// From wraps a foreign error as INTERNAL_ERROR; structured errors pass through.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*Error); ok {
		return ae
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// Stable error codes used across the runtime. Validation codes specific to the
// manifest pipeline live alongside their checks in internal/manifest.
const (
	CodeInternal  = "INTERNAL_ERROR"
	CodeForbidden = "FORBIDDEN"

	CodeModuleNotInstalled      = "MODULE_NOT_INSTALLED"
	CodeModuleDisabled          = "MODULE_DISABLED"
	CodeModuleHasRecords        = "MODULE_HAS_RECORDS"
	CodeModuleMutationInFlight  = "MODULE_MUTATION_IN_PROGRESS"
	CodeModuleRollbackForbidden = "MODULE_ROLLBACK_FORBIDDEN"
	CodeSnapshotNotFound        = "MODULE_SNAPSHOT_NOT_FOUND"

	CodeEntityNotFound        = "ENTITY_NOT_FOUND"
	CodePageNotFound          = "PAGE_NOT_FOUND"
	CodeViewNotFound          = "VIEW_NOT_FOUND"
	CodeRecordNotFound        = "RECORD_NOT_FOUND"
	CodeRecordWriteFailed     = "RECORD_WRITE_FAILED"
	CodeLookupTargetNotFound  = "LOOKUP_TARGET_NOT_FOUND"
	CodeLookupDomainViolation = "LOOKUP_DOMAIN_VIOLATION"
	CodeValidationFailed      = "VALIDATION_FAILED"

	CodeActionNotFound    = "ACTION_NOT_FOUND"
	CodeActionDisabled    = "ACTION_DISABLED"
	CodeActionKindInvalid = "ACTION_KIND_INVALID"

	CodeConditionInvalid = "CONDITION_INVALID"

	CodeTemplateRenderFailed = "TEMPLATE_RENDER_FAILED"

	CodeEmailConnectionNotFound = "EMAIL_CONNECTION_NOT_FOUND"
	CodeEmailSendFailed         = "EMAIL_SEND_FAILED"
	CodeDocTemplateNotFound     = "DOC_TEMPLATE_NOT_FOUND"
	CodeDocRenderFailed         = "DOC_RENDER_FAILED"

	CodeJobNotFound          = "JOB_NOT_FOUND"
	CodeAutomationInvalid    = "AUTOMATION_INVALID"
	CodeAutomationNotFound   = "AUTOMATION_NOT_FOUND"
	CodeAutomationStepBudget = "AUTOMATION_STEP_BUDGET_EXCEEDED"

	CodeStorageFailed = "STORAGE_FAILED"
	CodeSecretStore   = "SECRET_STORE_ERROR"
)
