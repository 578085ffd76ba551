// Package workspace threads the tenant binding through request and job
// handling. The binding is a context value set at entry and consulted by
// every adapter call, so concurrent job claims for different tenants never
// leak into each other.
package workspace

import "context"

type ctxKey struct{}

// Bind returns a context carrying the workspace id.
func Bind(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, workspaceID)
}

// From extracts the bound workspace id, or "".
func From(ctx context.Context) string {
	ws, _ := ctx.Value(ctxKey{}).(string)
	return ws
}

// MustFrom extracts the bound workspace id and reports whether one was set.
func MustFrom(ctx context.Context) (string, bool) {
	ws, ok := ctx.Value(ctxKey{}).(string)
	return ws, ok && ws != ""
}
