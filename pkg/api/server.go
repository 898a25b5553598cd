package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/backplane/pkg/bulk"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/log"
	"github.com/cuemby/backplane/pkg/managed"
	"github.com/cuemby/backplane/pkg/manager"
	"github.com/cuemby/backplane/pkg/metrics"
	"github.com/cuemby/backplane/pkg/types"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Prefix is the path prefix of the central API
const Prefix = "/api/v1"

// AttachRequest is the body of an attach call
type AttachRequest struct {
	types.ManagedMasterDescriptor
	// Manual records the server without contacting it
	Manual bool `json:"manual,omitempty"`
}

// UpdateRequest names the update packages to transfer or install. Empty
// means the packages recorded by the last synchronization.
type UpdateRequest struct {
	Keys []types.ManifestKey `json:"keys,omitempty"`
}

// BulkRequest lists the instances of a bulk action
type BulkRequest struct {
	IDs []string `json:"ids"`
}

// Server is the HTTP API of a backplane process. A central node serves the
// fleet administration routes; a managed node serves the managed routes
// its central calls. Health and metrics routes are always present.
type Server struct {
	manager *manager.Manager
	bulk    *bulk.Operations
	router  *mux.Router
	http    *http.Server
	logger  zerolog.Logger
}

// Config holds what the server exposes. Manager and Bulk are required for
// the central routes, Managed for the managed routes.
type Config struct {
	Manager *manager.Manager
	Bulk    *bulk.Operations
	Managed *managed.Handler
	Health  *HealthServer
}

// NewServer creates the API server and registers its routes
func NewServer(cfg Config) *Server {
	s := &Server{
		manager: cfg.Manager,
		bulk:    cfg.Bulk,
		router:  mux.NewRouter(),
		logger:  log.WithComponent("api"),
	}
	s.router.Use(s.instrument)

	if cfg.Health != nil {
		cfg.Health.Register(s.router)
	}
	if cfg.Managed != nil {
		cfg.Managed.Register(s.router)
	}
	if cfg.Manager != nil {
		s.registerCentral()
	}
	return s
}

func (s *Server) registerCentral() {
	r := s.router.PathPrefix(Prefix).Subrouter()

	r.HandleFunc("/groups", s.listGroups).Methods(http.MethodGet)
	r.HandleFunc("/groups", s.createGroup).Methods(http.MethodPost)
	r.HandleFunc("/groups/{group}/attributes", s.setAttributes).Methods(http.MethodPut)
	r.HandleFunc("/groups/{group}/products", s.putProduct).Methods(http.MethodPost)

	r.HandleFunc("/groups/{group}/servers", s.listServers).Methods(http.MethodGet)
	r.HandleFunc("/groups/{group}/servers", s.attach).Methods(http.MethodPost)
	r.HandleFunc("/groups/{group}/servers/{server}", s.getServer).Methods(http.MethodGet)
	r.HandleFunc("/groups/{group}/servers/{server}", s.updateServer).Methods(http.MethodPatch)
	r.HandleFunc("/groups/{group}/servers/{server}", s.detach).Methods(http.MethodDelete)
	r.HandleFunc("/groups/{group}/servers/{server}/sync", s.synchronize).Methods(http.MethodPost)
	r.HandleFunc("/groups/{group}/servers/{server}/ping", s.ping).Methods(http.MethodGet)
	r.HandleFunc("/groups/{group}/servers/{server}/update/transfer", s.transferUpdate).Methods(http.MethodPost)
	r.HandleFunc("/groups/{group}/servers/{server}/update/install", s.installUpdate).Methods(http.MethodPost)

	r.HandleFunc("/groups/{group}/instances", s.listInstances).Methods(http.MethodGet)
	r.HandleFunc("/groups/{group}/instances/{id}/server", s.serverForInstance).Methods(http.MethodGet)
	r.HandleFunc("/groups/{group}/instances/actions/{action}", s.bulkAction).Methods(http.MethodPost)

	r.HandleFunc("/sync", s.synchronizeAll).Methods(http.MethodPost)
	r.HandleFunc("/software", s.addUpdatePackage).Methods(http.MethodPost)
}

// Handler returns the router for embedding in other servers and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	metrics.RegisterComponent("api", true, "listening on "+addr)
	s.logger.Info().Str("addr", addr).Msg("HTTP API listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		metrics.UpdateComponent("api", false, err.Error())
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	metrics.UpdateComponent("api", false, "shutting down")
	return s.http.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts and times requests by route template
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("duration", timer.Duration()).
			Msg("Request served")
	})
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.manager.ListGroups()
	respond(w, groups, err)
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var cfg types.InstanceGroupConfiguration
	if !decodeJSON(w, r, &cfg) {
		return
	}
	if err := s.manager.CreateInstanceGroup(r.Context(), cfg); err != nil {
		managed.WriteError(w, err)
		return
	}
	managed.WriteJSON(w, http.StatusCreated, cfg)
}

func (s *Server) setAttributes(w http.ResponseWriter, r *http.Request) {
	var attrs types.InstanceGroupAttributes
	if !decodeJSON(w, r, &attrs) {
		return
	}
	respond(w, nil, s.manager.SetGroupAttributes(r.Context(), mux.Vars(r)["group"], attrs))
}

func (s *Server) putProduct(w http.ResponseWriter, r *http.Request) {
	var p types.ProductKey
	if !decodeJSON(w, r, &p) {
		return
	}
	respond(w, nil, s.manager.PutProduct(r.Context(), mux.Vars(r)["group"], p))
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.manager.GetManagedServers(r.Context(), mux.Vars(r)["group"])
	respond(w, servers, err)
}

func (s *Server) attach(w http.ResponseWriter, r *http.Request) {
	var req AttachRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	group := mux.Vars(r)["group"]

	var rec *types.ManagedMasterRecord
	var err error
	if req.Manual {
		rec, err = s.manager.ManualAttach(r.Context(), group, req.ManagedMasterDescriptor)
	} else {
		rec, err = s.manager.TryAutoAttach(r.Context(), group, req.ManagedMasterDescriptor)
	}
	if err != nil {
		managed.WriteError(w, err)
		return
	}
	managed.WriteJSON(w, http.StatusCreated, rec)
}

func (s *Server) getServer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := s.manager.GetManagedServer(r.Context(), vars["group"], vars["server"])
	respond(w, rec, err)
}

func (s *Server) updateServer(w http.ResponseWriter, r *http.Request) {
	var upd types.ManagedMasterUpdate
	if !decodeJSON(w, r, &upd) {
		return
	}
	vars := mux.Vars(r)
	verify, _ := strconv.ParseBool(r.URL.Query().Get("verify"))
	rec, err := s.manager.UpdateManagedServer(r.Context(), vars["group"], vars["server"], upd, verify)
	respond(w, rec, err)
}

func (s *Server) detach(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	respond(w, nil, s.manager.DeleteManagedServer(r.Context(), vars["group"], vars["server"]))
}

func (s *Server) synchronize(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := s.manager.Synchronize(r.Context(), vars["group"], vars["server"])
	respond(w, res, err)
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := s.manager.PingServer(r.Context(), vars["group"], vars["server"])
	respond(w, res, err)
}

func (s *Server) transferUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	stats, err := s.manager.TransferUpdate(r.Context(), vars["group"], vars["server"], req.Keys)
	respond(w, stats, err)
}

func (s *Server) installUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	res, err := s.manager.InstallUpdate(r.Context(), vars["group"], vars["server"], req.Keys)
	respond(w, res, err)
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	list, err := s.manager.ListInstances(r.Context(), mux.Vars(r)["group"])
	respond(w, list, err)
}

func (s *Server) serverForInstance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := s.manager.GetServerForInstance(r.Context(), vars["group"], vars["id"], r.URL.Query().Get("tag"))
	respond(w, rec, err)
}

func (s *Server) bulkAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	action, err := types.ParseInstanceAction(vars["action"])
	if err != nil {
		managed.WriteError(w, errdefs.InvalidArgument(err, "action"))
		return
	}
	var req BulkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	report, err := s.bulk.Do(r.Context(), vars["group"], action, req.IDs)
	respond(w, report, err)
}

func (s *Server) synchronizeAll(w http.ResponseWriter, r *http.Request) {
	respond(w, nil, s.manager.SynchronizeAll(r.Context()))
}

func (s *Server) addUpdatePackage(w http.ResponseWriter, r *http.Request) {
	var pkg manager.UpdatePackage
	if !decodeJSON(w, r, &pkg) {
		return
	}
	key, err := s.manager.AddUpdatePackage(r.Context(), pkg)
	respond(w, key, err)
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		managed.WriteError(w, err)
		return
	}
	if v == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	managed.WriteJSON(w, http.StatusOK, v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		managed.WriteError(w, errdefs.InvalidArgument(err, "request body"))
		return false
	}
	return true
}

// decodeOptionalJSON accepts an empty body
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decodeJSON(w, r, v)
}
