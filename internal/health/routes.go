package health

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes mounts GET /health (the JSON tree) and GET /metrics
// (Prometheus exposition format).
func (a *Aggregator) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", a.ServeTree)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ServeTree writes the current aggregated Tree as JSON.
func (a *Aggregator) ServeTree(w http.ResponseWriter, r *http.Request) {
	tree := a.Collect(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tree)
}
