package handlers

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouteOptions tunes route middleware.
type RouteOptions struct {
	// Requests per second per client IP on POST /sms; 0 disables the limit.
	SMSRateLimit float64
	SMSRateBurst int
}

// SetupRoutes configures all GSM API routes.
func SetupRoutes(r chi.Router, h *GSMHandler, opts RouteOptions) {
	// Middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check
	r.Get("/health", h.HealthCheck)

	// Documentation
	r.Get("/docs", h.ServeSwaggerUI)
	r.Get("/docs/", h.ServeSwaggerUI)
	r.Get("/docs/openapi.yaml", h.ServeOpenAPIDoc)

	// Modules
	r.Route("/modules", func(r chi.Router) {
		r.Get("/", h.ListModules)
		r.Post("/scan", h.ScanModules)
		r.Get("/{id}", h.GetModule)
		r.Delete("/{id}", h.RemoveModule)
		r.Post("/{id}/reprobe", h.ReprobeModule)
	})

	// SMS
	r.Route("/sms", func(r chi.Router) {
		r.With(RateLimit(opts.SMSRateLimit, opts.SMSRateBurst)).Post("/", h.SendSMS)
		r.Get("/", h.ListSMSJobs)
		r.Get("/{id}", h.GetSMSJob)
	})
}
