package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/andresmejia3/facefinder/internal/web/handlers"
)

func (s *Server) setupRoutes(tasks *handlers.TaskHandler) {
	r := s.router

	r.Get("/health", handlers.HealthCheck)

	r.Group(func(r chi.Router) {
		r.Use(submitRateLimit(s.config.Web.SubmitRate, s.config.Web.SubmitBurst))
		r.Post("/recognize", tasks.Recognize)
		r.Post("/recognize/", tasks.Recognize)
	})
	r.Get("/status/{taskId}", tasks.Status)
	r.Get("/download/{taskId}", tasks.Download)
	r.Get("/tasks", tasks.List)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
}
