package server

import (
	"github.com/corsproxy/corsproxy/internal/server/handlers"
)

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/", handlers.RootHandler)
	s.router.Handle("/proxy", s.opts.Proxy)

	if hm := s.opts.Health; hm != nil {
		s.router.Get("/health", hm.HealthHandler)
		s.router.Get("/health/live", hm.LivenessHandler)
		s.router.Get("/health/ready", hm.ReadinessHandler)
		s.router.Get("/health/startup", hm.StartupHandler)
	}

	if s.opts.Version != nil {
		s.router.Get("/version", s.opts.Version)
	}

	if s.opts.Metrics {
		s.router.Get("/metrics", MetricsHandler)
	}
}
