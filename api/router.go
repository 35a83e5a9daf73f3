package api

import (
	"net/http"

	"task-notifications/middleware"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GatewayDeps are the components behind the edge HTTP surface. Limiter is
// optional; without Redis the REST routes are not rate limited.
type GatewayDeps struct {
	WS            http.Handler
	Health        *Health
	Verifier      middleware.TokenVerifier
	Notifications *NotificationsHandler
	Limiter       *middleware.RateLimiter
}

func NewRouter(d GatewayDeps) http.Handler {
	r := mux.NewRouter()

	//  Public routes
	r.Handle("/ws", d.WS).Methods("GET")
	registerHealth(r, d.Health)

	//  Protected routes
	s := r.NewRoute().Subrouter()
	s.Use(middleware.JWTMiddleware(d.Verifier))
	if d.Limiter != nil {
		s.Use(d.Limiter.Middleware)
		s.HandleFunc("/rate-limit", RateLimitStatusHandler(d.Limiter)).Methods("GET")
	}
	s.HandleFunc("/notifications", d.Notifications.List).Methods("GET")
	s.HandleFunc("/notifications/unread-count", d.Notifications.UnreadCount).Methods("GET")
	s.HandleFunc("/notifications/read-all", d.Notifications.MarkAllAsRead).Methods("PATCH")
	s.HandleFunc("/notifications/{id}/read", d.Notifications.MarkAsRead).Methods("PATCH")

	return r
}

// NewServiceRouter serves the probes of a role without an edge surface.
func NewServiceRouter(h *Health) http.Handler {
	r := mux.NewRouter()
	registerHealth(r, h)
	return r
}

func registerHealth(r *mux.Router, h *Health) {
	r.HandleFunc("/health", h.Check).Methods("GET")
	r.HandleFunc("/health/live", h.Live).Methods("GET")
	r.HandleFunc("/health/ready", h.Ready).Methods("GET")
	r.Handle("/metrics", promhttp.Handler())
}
