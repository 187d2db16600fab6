package app

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/getpawsy/catalog/internal/observability"
	"github.com/getpawsy/catalog/jobs"
)

// RouterParams groups dependencies for building the ops HTTP router.
type RouterParams struct {
	Logger     *slog.Logger
	Config     *Config
	Catalog    CatalogLoader
	JobHandler *jobs.Handler
	Metrics    *observability.Metrics
}

// NewRouter constructs the chi.Router serving health, metrics, queue
// status, mirrored images and the catalog API.
func NewRouter(params RouterParams) http.Handler {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}
	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	if params.Catalog != nil {
		strict := params.Config != nil && params.Config.StrictFulfillment
		api := NewCatalogHandler(params.Catalog, strict, logger)
		r.Route("/api", api.MountRoutes)
	}

	if params.Config != nil && params.Config.ImageDir != "" {
		prefix := params.Config.ImagePublicPrefix
		if prefix == "" {
			prefix = "/images/products"
		}
		fileServer := http.StripPrefix(prefix+"/", http.FileServer(http.Dir(params.Config.ImageDir)))
		r.Handle(prefix+"/*", imageCacheHandler(fileServer))
		if _, err := os.Stat(params.Config.ImageDir); err != nil {
			logger.Warn("image directory unavailable", slog.String("dir", params.Config.ImageDir), slog.Any("error", err))
		}
	}

	return r
}

// imageCacheHandler wraps the image file server with Cache-Control headers.
// Mirrored files are named after their source URL and written once.
func imageCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=86400")
		next.ServeHTTP(w, r)
	})
}
