package photo

import (
	"github.com/go-chi/chi/v5"
)

// Routes returns the photo ingestion/status router: no auth middleware
// is mounted here (spec.md §4.C10 carries only the teacher's
// request-scoped middleware chain, wired once at the composition root).
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Upload)
	r.Get("/", h.List)
	r.Get("/{id}", h.GetStatus)

	return r
}
