package api

import (
	"net/http"

	"github.com/cuemby/backplane/pkg/metrics"
	"github.com/gorilla/mux"
)

// StorageProbe is a cheap read used to check that the store is usable
type StorageProbe interface {
	ListGroups() ([]string, error)
}

// HealthServer provides the health, readiness, liveness and metrics
// endpoints
type HealthServer struct {
	store StorageProbe
}

// NewHealthServer creates the health endpoints. The store is probed on
// every health and readiness request; nil reports storage as not
// registered.
func NewHealthServer(store StorageProbe) *HealthServer {
	return &HealthServer{store: store}
}

// Register mounts the endpoints on r
func (hs *HealthServer) Register(r *mux.Router) {
	r.HandleFunc("/health", hs.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ready", hs.readyHandler).Methods(http.MethodGet)
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

// Check probes storage and records the result as the storage component
func (hs *HealthServer) Check() bool {
	if hs.store == nil {
		return false
	}
	if _, err := hs.store.ListGroups(); err != nil {
		metrics.UpdateComponent("storage", false, err.Error())
		return false
	}
	metrics.UpdateComponent("storage", true, "ok")
	return true
}

func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	hs.Check()
	metrics.HealthHandler()(w, r)
}

func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	hs.Check()
	metrics.ReadyHandler()(w, r)
}
