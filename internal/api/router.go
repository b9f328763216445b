package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Handle("/metrics", metricsHandler())

	// Live feed (open: kiosks and gate displays)
	r.Get(s.eventsPath(), s.handleEvents)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/health/mqtt", s.handleHealthMQTT)

		// Turnstile readers call this directly.
		r.Post("/acceso/verificar", s.handleVerifyAccess)

		// Operator routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/acceso/clientes/{id}", s.handleManualAccess)

			r.Route("/dispositivos/{sede}/{device}", func(r chi.Router) {
				r.Post("/cmd", s.handleDeviceCommand)
				r.Post("/state", s.handleDeviceState)
				r.Post("/config", s.handleDeviceConfig)
				r.Post("/ping", s.handleDevicePing)
			})

			r.Get("/luces/{sede}/{device}/rgb", s.handleGetLED)
			r.Post("/luces/{sede}/{device}/rgb", s.handleSetLED)

			r.Get("/audit", s.handleListAuditLogs)
		})
	})

	return r
}

func (s *Server) eventsPath() string {
	if s.wsCfg.Path != "" {
		return s.wsCfg.Path
	}
	return defaultEventsPath
}

// handleHealth reports that the process is serving.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// handleHealthMQTT reports the broker connection without probing it.
func (s *Server) handleHealthMQTT(w http.ResponseWriter, _ *http.Request) {
	connected := s.mqtt != nil && s.mqtt.IsConnected()
	writeJSON(w, http.StatusOK, map[string]bool{"mqtt_connected": connected})
}
