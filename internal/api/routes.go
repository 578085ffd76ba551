package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes builds the full command surface.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Workspace-ID", "X-User-ID", "X-User-Email", "X-Workspace-Role", "X-Platform-Role"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireWorkspace)
		r.Use(requireWrite)

		r.Route("/modules", func(r chi.Router) {
			r.Get("/", h.ListModules)
			r.Post("/{moduleID}/install", h.InstallModule)
			r.Get("/{moduleID}/manifest", h.GetManifest)
			r.Post("/{moduleID}/enable", h.EnableModule)
			r.Post("/{moduleID}/disable", h.DisableModule)
			r.Get("/{moduleID}/snapshots", h.ListSnapshots)
			r.Get("/{moduleID}/history", h.ModuleHistory)
			r.Post("/{moduleID}/rollback", h.RollbackModule)
			r.Delete("/{moduleID}", h.DeleteModule)
			r.Post("/{moduleID}/icon", h.SetModuleIcon)
			r.Post("/{moduleID}/display_order", h.SetModuleDisplayOrder)
			r.Post("/{moduleID}/actions/{actionID}/run", h.RunAction)
		})

		r.Route("/studio2/modules/{moduleID}", func(r chi.Router) {
			r.Post("/draft", h.SaveDraft)
			r.Get("/draft", h.GetDraft)
			r.Delete("/draft", h.DeleteDraft)
			r.Post("/draft/validate", h.ValidateDraft)
			r.Post("/draft/install", h.InstallDraft)
			r.Get("/draft/versions", h.DraftVersions)
			r.Post("/patchset/validate", h.ValidatePatchset)
			r.Post("/patchset/preview", h.PreviewPatchset)
			r.Post("/patchset/apply", h.ApplyPatchset)
		})
		r.Get("/studio2/drafts", h.ListDrafts)

		r.Route("/records/{entityID}", func(r chi.Router) {
			r.Get("/", h.ListRecords)
			r.Post("/", h.CreateRecord)
			r.Get("/aggregate", h.AggregateRecords)
			r.Get("/pivot", h.PivotRecords)
			r.Get("/lookup", h.LookupRecords)
			r.Get("/{recordID}", h.GetRecord)
			r.Put("/{recordID}", h.UpdateRecord)
			r.Delete("/{recordID}", h.DeleteRecord)
			r.Get("/{recordID}/chatter", h.ListChatter)
			r.Post("/{recordID}/chatter", h.AddChatter)
			r.Get("/{recordID}/attachments", h.ListAttachments)
			r.Post("/{recordID}/attachments", h.UploadAttachment)
		})

		r.Route("/attachments/{attachmentID}", func(r chi.Router) {
			r.Post("/link", h.LinkAttachment)
			r.Get("/download", h.DownloadAttachment)
			r.Delete("/", h.DeleteAttachment)
		})

		r.Route("/automations", func(r chi.Router) {
			r.Get("/", h.ListAutomations)
			r.Post("/", h.CreateAutomation)
			r.Post("/import", h.ImportAutomation)
			r.Get("/{automationID}", h.GetAutomation)
			r.Put("/{automationID}", h.UpdateAutomation)
			r.Delete("/{automationID}", h.DeleteAutomation)
			r.Post("/{automationID}/publish", h.PublishAutomation)
			r.Post("/{automationID}/disable", h.DisableAutomation)
			r.Get("/{automationID}/export", h.ExportAutomation)
			r.Get("/{automationID}/runs", h.ListRuns)
			r.Get("/runs/{runID}", h.GetRun)
			r.Post("/runs/{runID}/retry", h.RetryRun)
			r.Post("/runs/{runID}/cancel", h.CancelRun)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Get("/{jobID}", h.GetJob)
			r.Get("/{jobID}/events", h.ListJobEvents)
			r.Post("/{jobID}/retry", h.RetryJob)
			r.Post("/{jobID}/cancel", h.CancelJob)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", h.ListNotifications)
			r.Get("/unread_count", h.UnreadCount)
			r.Post("/{notificationID}/read", h.MarkNotificationRead)
			r.Post("/read_all", h.MarkAllNotificationsRead)
		})

		r.Route("/email", func(r chi.Router) {
			r.Get("/connections", h.ListConnections)
			r.Post("/connections", h.CreateConnection)
			r.Delete("/connections/{connectionID}", h.DeleteConnection)
			r.Post("/connections/{connectionID}/default", h.SetDefaultConnection)
			r.Get("/templates", h.ListEmailTemplates)
			r.Post("/templates", h.CreateEmailTemplate)
			r.Get("/templates/{templateID}", h.GetEmailTemplate)
			r.Put("/templates/{templateID}", h.UpdateEmailTemplate)
			r.Delete("/templates/{templateID}", h.DeleteEmailTemplate)
			r.Get("/templates/{templateID}/history", h.EmailTemplateHistory)
			r.Post("/templates/{templateID}/validate", h.ValidateEmailTemplate)
			r.Post("/templates/{templateID}/preview", h.PreviewEmailTemplate)
			r.Post("/templates/{templateID}/send_test", h.SendTestEmail)
			r.Get("/outbox", h.ListOutbox)
		})

		r.Route("/docs/templates", func(r chi.Router) {
			r.Get("/", h.ListDocTemplates)
			r.Post("/", h.CreateDocTemplate)
			r.Get("/{templateID}", h.GetDocTemplate)
			r.Put("/{templateID}", h.UpdateDocTemplate)
			r.Delete("/{templateID}", h.DeleteDocTemplate)
			r.Get("/{templateID}/history", h.DocTemplateHistory)
			r.Post("/{templateID}/generate", h.GenerateDocument)
		})

		r.Get("/bootstrap/{moduleID}/{pageID}", h.Bootstrap)
	})

	return r
}
