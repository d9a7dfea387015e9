package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/robot-bridge/internal/panel"
)

const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get(s.wsCfg.Path, s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/history", s.handleHistory)
	})

	// Control page and its assets.
	r.Handle("/*", panel.Handler(s.cfg.StaticDir))

	return r
}

// HealthResponse is the /api/v1/health response.
type HealthResponse struct {
	Status         string            `json:"status"`
	Version        string            `json:"version"`
	RobotConnected bool              `json:"robot_connected"`
	Checks         map[string]string `json:"checks,omitempty"`
}

// handleHealth reports "ok", or "degraded" when an enabled backing service
// fails its check. A disconnected robot is not a failure: the link connects
// on demand.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:         "ok",
		Version:        s.version,
		RobotConnected: s.link.IsConnected(),
	}

	check := func(name string, fn func(context.Context) error) {
		if err := fn(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			return
		}
		resp.Checks[name] = "ok"
	}
	// The robot is reported but never degrades the status.
	resp.Checks = map[string]string{"robot": "ok"}
	if err := s.link.HealthCheck(ctx); err != nil {
		resp.Checks["robot"] = err.Error()
	}

	if s.mqtt != nil {
		check("mqtt", s.mqtt.HealthCheck)
	}
	if s.influx != nil {
		check("influxdb", s.influx.HealthCheck)
	}
	if s.db != nil {
		check("database", s.db.HealthCheck)
	}

	writeJSON(w, http.StatusOK, resp)
}
