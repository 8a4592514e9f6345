package relay

import (
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/toolrelay/relay/internal/middleware"
)

// NewRouter builds the relay's chi router over h, with the standard
// middleware stack plus permissive CORS (the consumer runs embedded in
// a host page of unknown origin).
func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS())

	r.Post("/sessions", h.CreateSession)
	r.Post("/request", h.PostRequest)
	r.Post("/response", h.PostResponse)
	r.Get("/stream", h.Stream)
	r.Get("/response", h.GetResponse)
	r.Get("/requests", h.GetRequests)
	r.Get("/healthz", h.Healthz)

	return r
}
