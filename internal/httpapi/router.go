package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"renderd/internal/httpapi/handlers"
	"renderd/internal/httpkit"
	"renderd/internal/pkg/logger"
	"renderd/internal/pkg/middleware"
)

type Deps struct {
	Handlers    handlers.Deps
	CORSOrigins []string
	Log         *logger.Logger
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.Handlers.Log == nil {
		d.Handlers.Log = log
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: d.CORSOrigins,
		MaxAgeSeconds:  600,
	}))

	h := handlers.New(d.Handlers)

	// ---- HEALTH ----
	r.Get("/health", h.Health)

	// ---- SYNC INVOCATION ----
	r.Post("/runsync", middleware.WrapHandler(log, h.RunSync))

	// ---- ASYNC JOBS ----
	r.Post("/run", middleware.WrapHandler(log, h.Run))
	r.Get("/status/{jobId}", middleware.WrapHandler(log, h.Status))
	r.Get("/status/{jobId}/video", middleware.WrapHandler(log, h.Video))

	return r
}
