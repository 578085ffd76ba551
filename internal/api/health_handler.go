package api

import (
	"net/http"
	"time"

	"github.com/ignite/appforge/internal/pkg/httputil"
)

var started = time.Now()

// HealthCheck reports liveness. No auth, no workspace.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(started).Seconds()),
	})
}
