package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/appforge/internal/pkg/httputil"
)

// ListNotifications returns the actor's notifications, optionally unread-only.
func (h *Handlers) ListNotifications(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread") == "true"
	list := h.notifier.List(r.Context(), wsFrom(r), actorID(r), unreadOnly)
	httputil.OK(w, map[string]any{"notifications": list})
}

// UnreadCount returns the unread badge count.
func (h *Handlers) UnreadCount(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{"unread": h.notifier.UnreadCount(r.Context(), wsFrom(r), actorID(r))})
}

// MarkNotificationRead flips one notification read.
func (h *Handlers) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	ok := h.notifier.MarkRead(r.Context(), wsFrom(r), actorID(r), chi.URLParam(r, "notificationID"))
	httputil.OK(w, map[string]any{"read": ok})
}

// MarkAllNotificationsRead flips every notification read.
func (h *Handlers) MarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	n := h.notifier.MarkAllRead(r.Context(), wsFrom(r), actorID(r))
	httputil.OK(w, map[string]any{"marked": n})
}
