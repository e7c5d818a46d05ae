// Package httpapi serves the control plane's read-only status API.
package httpapi

import (
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"renderfarm/internal/httpapi/handlers"
	"renderfarm/internal/httpkit"
	"renderfarm/internal/metrics"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/pkg/middleware"
)

type Deps = handlers.Deps

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("httpapi")
	d.Log = log

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logging(log))

	// Dashboards polling from a browser.
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: envCSV("CORS_ALLOWED_ORIGINS", nil),
		AllowedMethods: []string{"GET", "OPTIONS"},
	}))

	h := handlers.New(d)

	r.Get("/health", h.Health)
	r.Get("/status", middleware.WrapHandler(log, h.Status))
	r.Get("/nodes", middleware.WrapHandler(log, h.Nodes))
	r.Get("/jobs", middleware.WrapHandler(log, h.Jobs))
	r.Handle("/metrics", metrics.Handler())

	return r
}

func envCSV(key string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
