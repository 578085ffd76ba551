// Package api is the HTTP boundary: a chi router over the runtime services
// with the {ok, data, errors, warnings} envelope on every response. Auth
// itself is an external collaborator; the boundary consumes the actor it
// supplies via headers.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/appforge/internal/actions"
	"github.com/ignite/appforge/internal/activity"
	"github.com/ignite/appforge/internal/automation"
	"github.com/ignite/appforge/internal/cache"
	"github.com/ignite/appforge/internal/config"
	"github.com/ignite/appforge/internal/docs"
	"github.com/ignite/appforge/internal/events"
	"github.com/ignite/appforge/internal/jobs"
	"github.com/ignite/appforge/internal/mailing"
	"github.com/ignite/appforge/internal/records"
	"github.com/ignite/appforge/internal/registry"
)

// Handlers bundles every service the command surface reaches.
type Handlers struct {
	cfg         *config.Config
	registry    *registry.Registry
	records     *records.Service
	executor    *actions.Executor
	bus         *events.Bus
	automations *automation.Store
	engine      *automation.Engine
	jobs        jobs.Store
	mailing     *mailing.Service
	docs        *docs.Service
	chatter     *activity.Store
	notifier    *activity.Notifier
	cache       cache.Cache
}

// NewHandlers wires the handler set. cache may be nil.
func NewHandlers(
	cfg *config.Config,
	reg *registry.Registry,
	recs *records.Service,
	exec *actions.Executor,
	bus *events.Bus,
	autos *automation.Store,
	engine *automation.Engine,
	jobStore jobs.Store,
	mail *mailing.Service,
	doc *docs.Service,
	chatter *activity.Store,
	notifier *activity.Notifier,
	c cache.Cache,
) *Handlers {
	return &Handlers{
		cfg:         cfg,
		registry:    reg,
		records:     recs,
		executor:    exec,
		bus:         bus,
		automations: autos,
		engine:      engine,
		jobs:        jobStore,
		mailing:     mail,
		docs:        doc,
		chatter:     chatter,
		notifier:    notifier,
		cache:       c,
	}
}

// Server owns the HTTP listener.
type Server struct {
	handlers *Handlers
	router   *chi.Mux
	server   *http.Server
}

// NewServer builds the router around the handlers.
func NewServer(h *Handlers) *Server {
	return &Server{handlers: h, router: SetupRoutes(h)}
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
