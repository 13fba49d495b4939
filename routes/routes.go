package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/sdp-ingestion/app"
	"github.com/upb/sdp-ingestion/handlers"
	"github.com/upb/sdp-ingestion/middleware"
	"github.com/upb/sdp-ingestion/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	if timeout := deps.Config.Server.RequestTimeout; timeout > 0 {
		r.Use(chimw.Timeout(timeout))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: deps.Config.Server.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type",
			middleware.APIKeyHeader, handlers.ClientIDHeader, handlers.TenantIDHeader},
		ExposedHeaders: []string{"X-Request-ID",
			utils.HeaderRateLimitLimit, utils.HeaderRateLimitRemaining, utils.HeaderRateLimitReset, utils.HeaderRetryAfter},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", deps.HealthHandler.HandleHealth)
	r.Get("/readyz", deps.HealthHandler.HandleReadiness)

	batches := deps.BatchHandler

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)

		r.Route("/batches", func(r chi.Router) {
			r.Post("/", batches.HandleIngest)
			r.Post("/file", batches.HandleIngestFile)

			r.Route("/{id}", func(r chi.Router) {
				r.Post("/process", batches.HandleProcess)
				r.Post("/reprocess", batches.HandleReprocess)
				r.Post("/results", batches.HandleSubmitResults)
				r.Get("/results", batches.HandleGetResults)
				r.Get("/audit", batches.HandleGetAuditTrail)
			})
		})

		// Paths kept for existing batch clients
		r.Post("/process", batches.HandleIngest)
		r.Post("/process-file", batches.HandleIngestFile)
		r.Get("/results/{id}", batches.HandleGetResults)
	})

	r.With(deps.AuthMiddleware.RequireAuth).Post("/dev/process-batch/{id}", batches.HandleProcess)

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteJSON(w, http.StatusMethodNotAllowed, utils.ErrorResponse{
			Error:   "method_not_allowed",
			Message: "method not allowed",
		})
	})

	return r
}
