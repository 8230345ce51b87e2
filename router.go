package offlinecache

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is the body of the status endpoint.
type Status struct {
	State     State    `json:"state"`
	CacheName string   `json:"cacheName,omitempty"`
	Scope     string   `json:"scope"`
	AllowList []string `json:"allowList,omitempty"`
	Caches    []string `json:"caches"`
}

// Router returns the handler to serve:
// requests in scope are handled by the worker, other requests go to the network.
// It also serves the status, update and metrics endpoints.
func (a *OfflineCache) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/_worker/status", a.handleStatus)
	r.Post("/_worker/update", a.handleUpdate)
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	r.Handle(strings.TrimSuffix(a.scope, "/")+"/*", a)
	r.NotFound(a.forward)
	return r
}

func (a *OfflineCache) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := Status{
		State: a.State(),
		Scope: a.scope,
	}
	if active := a.Active(); active != nil {
		status.CacheName = active.CacheName()
		status.AllowList = active.AllowList()
	}
	caches, err := a.storage.Keys(r.Context())
	if err != nil {
		a.log.Error().Err(err).Msg("Could not list caches")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status.Caches = caches

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		a.log.Error().Err(err).Msg("Could not write status")
	}
}

// handleUpdate reinstalls the current version, refreshing every allow-listed entry.
func (a *OfflineCache) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if err := a.Update(r.Context(), "", nil); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	a.handleStatus(w, r)
}
