package api

import (
	"context"
	"net/http"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/events"
	"github.com/ignite/appforge/internal/pkg/httputil"
	"github.com/ignite/appforge/internal/workspace"
)

// Actor is what the external auth boundary hands the core per request. The
// gateway verifies credentials and forwards the resolved identity in headers;
// the core consumes only these fields.
type Actor struct {
	UserID        string
	Email         string
	WorkspaceID   string
	WorkspaceRole string
	PlatformRole  string
}

type actorKey struct{}

// requireWorkspace binds the tenant and actor into the request context.
// Requests without a workspace are refused before any handler runs.
func requireWorkspace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws := r.Header.Get("X-Workspace-ID")
		if ws == "" {
			httputil.BadRequest(w, "WORKSPACE_MISSING", "X-Workspace-ID header is required")
			return
		}
		actor := &Actor{
			UserID:        r.Header.Get("X-User-ID"),
			Email:         r.Header.Get("X-User-Email"),
			WorkspaceID:   ws,
			WorkspaceRole: r.Header.Get("X-Workspace-Role"),
			PlatformRole:  r.Header.Get("X-Platform-Role"),
		}
		ctx := workspace.Bind(r.Context(), ws)
		ctx = context.WithValue(ctx, actorKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireWrite refuses mutations from readonly and portal roles.
func requireWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		actor := actorFrom(r.Context())
		if actor != nil && (actor.WorkspaceRole == "readonly" || actor.WorkspaceRole == "portal") {
			httputil.Fail(w, apperr.New(apperr.CodeForbidden, "role %s cannot mutate", actor.WorkspaceRole))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorFrom(ctx context.Context) *Actor {
	a, _ := ctx.Value(actorKey{}).(*Actor)
	return a
}

// eventActor converts the request actor into the envelope actor shape.
func eventActor(ctx context.Context) *events.Actor {
	a := actorFrom(ctx)
	if a == nil || a.UserID == "" {
		return nil
	}
	roles := []string{}
	if a.WorkspaceRole != "" {
		roles = append(roles, a.WorkspaceRole)
	}
	if a.PlatformRole != "" {
		roles = append(roles, a.PlatformRole)
	}
	return &events.Actor{ID: a.UserID, Roles: roles}
}

func wsFrom(r *http.Request) string {
	return workspace.From(r.Context())
}
