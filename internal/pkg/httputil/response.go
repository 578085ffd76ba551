package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/pkg/logger"
)

// Envelope is the response shape every endpoint returns.
type Envelope struct {
	OK       bool            `json:"ok"`
	Data     any             `json:"data,omitempty"`
	Errors   []*apperr.Error `json:"errors,omitempty"`
	Warnings []*apperr.Error `json:"warnings,omitempty"`
}

// JSON writes an envelope with the given status code.
func JSON(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		logger.Error("response encode failed", "error", err.Error())
	}
}

// OK writes a 200 envelope with data.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, Envelope{OK: true, Data: data})
}

// OKWithWarnings writes a 200 envelope carrying advisory warnings.
func OKWithWarnings(w http.ResponseWriter, data any, warnings []*apperr.Error) {
	JSON(w, http.StatusOK, Envelope{OK: true, Data: data, Warnings: warnings})
}

// Created writes a 201 envelope with data.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, Envelope{OK: true, Data: data})
}

// Fail writes an error envelope. The HTTP status is derived from the error
// code family; foreign errors surface as INTERNAL_ERROR.
func Fail(w http.ResponseWriter, err error) {
	ae := apperr.From(err)
	JSON(w, statusFor(ae.Code), Envelope{OK: false, Errors: []*apperr.Error{ae}})
}

// FailAll writes an error envelope carrying every validation error.
func FailAll(w http.ResponseWriter, errs []*apperr.Error, warnings []*apperr.Error) {
	status := http.StatusBadRequest
	if len(errs) > 0 {
		status = statusFor(errs[0].Code)
	}
	JSON(w, status, Envelope{OK: false, Errors: errs, Warnings: warnings})
}

// BadRequest writes a 400 envelope with one structured error.
func BadRequest(w http.ResponseWriter, code, message string) {
	JSON(w, http.StatusBadRequest, Envelope{OK: false, Errors: []*apperr.Error{apperr.New(code, "%s", message)}})
}

// Decode reads JSON from the request body into dst. Returns false and writes
// a 400 envelope if parsing fails.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		BadRequest(w, "BAD_JSON", "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func statusFor(code string) int {
	switch code {
	case apperr.CodeInternal:
		return http.StatusInternalServerError
	case apperr.CodeForbidden, apperr.CodeModuleRollbackForbidden:
		return http.StatusForbidden
	case apperr.CodeModuleNotInstalled, apperr.CodeSnapshotNotFound,
		apperr.CodeEntityNotFound, apperr.CodeRecordNotFound,
		apperr.CodePageNotFound, apperr.CodeViewNotFound,
		apperr.CodeActionNotFound, apperr.CodeAutomationNotFound,
		apperr.CodeJobNotFound, apperr.CodeDocTemplateNotFound,
		apperr.CodeEmailConnectionNotFound:
		return http.StatusNotFound
	case apperr.CodeModuleMutationInFlight:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
