// Package httputil provides the shared JSON response envelope for handlers.
//
// Every handler uses these helpers instead of writing raw http.ResponseWriter
// calls, so the {ok, data, errors, warnings} shape and error-to-status mapping
// stay consistent across all endpoints.
package httputil
