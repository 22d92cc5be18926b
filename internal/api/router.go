package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-sirens/internal/auth"
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

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// WebSocket (auth via ticket, validated in handler)
		r.Get(s.wsPath(), s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.With(s.requirePermission(auth.PermScenarioRead)).Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/scenarios", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermScenarioRead)).Get("/", s.handleListScenarios)
				r.With(s.requirePermission(auth.PermScenarioStart)).Post("/{name}/start", s.handleStartScenario)
			})

			r.Route("/runs", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermScenarioRead)).Get("/", s.handleListRuns)
				r.With(s.requirePermission(auth.PermScenarioRead)).Get("/{id}", s.handleGetRun)
				r.With(s.requirePermission(auth.PermRunCancel)).Post("/{id}/cancel", s.handleCancelRun)
			})

			r.With(s.requirePermission(auth.PermEmergencyStop)).Post("/emergency-stop", s.handleEmergencyStop)
		})
	})

	return r
}

// handleHealth returns the server health status. A disconnected broker
// reports 503 so load balancers and supervisors notice.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK
	broker := "not_configured"
	if s.broker != nil {
		broker = "connected"
		if !s.broker.IsConnected() {
			broker = "disconnected"
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	wsClients := 0
	if s.hub != nil {
		wsClients = s.hub.ClientCount()
	}

	writeJSON(w, code, map[string]any{
		"status":      status,
		"version":     s.version,
		"mqtt":        broker,
		"active_runs": len(s.scenarios.ActiveRuns()),
		"ws_clients":  wsClients,
	})
}

// wsPath returns the configured WebSocket route, defaulting to /ws.
func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return "/ws"
	}
	return s.wsCfg.Path
}
