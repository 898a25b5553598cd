package managed

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/cuemby/backplane/pkg/codec"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/log"
	"github.com/cuemby/backplane/pkg/storage"
	"github.com/cuemby/backplane/pkg/types"
	"github.com/gorilla/mux"
)

// Handler serves a Backend over HTTP
type Handler struct {
	backend *Backend
	token   string
}

// NewHandler creates the managed HTTP surface. When token is set every
// request must carry it as a bearer token.
func NewHandler(backend *Backend, token string) *Handler {
	return &Handler{backend: backend, token: token}
}

// Register mounts the routes on r below APIPrefix
func (h *Handler) Register(r *mux.Router) {
	s := r.PathPrefix(APIPrefix).Subrouter()
	s.Use(h.authenticate)

	s.HandleFunc("/backend-info", h.info).Methods(http.MethodGet)
	s.HandleFunc("/version", h.version).Methods(http.MethodGet)
	s.HandleFunc("/node-status", h.nodeStatus).Methods(http.MethodGet)

	s.HandleFunc("/groups/{group}", h.groupExists).Methods(http.MethodGet)
	s.HandleFunc("/groups/{group}", h.createGroup).Methods(http.MethodPut)
	s.HandleFunc("/groups/{group}/instance-keys", h.instanceKeys).Methods(http.MethodGet)
	s.HandleFunc("/groups/{group}/instances", h.instances).Methods(http.MethodGet)
	s.HandleFunc("/groups/{group}/instances/{id}", h.deleteInstance).Methods(http.MethodDelete)
	s.HandleFunc("/groups/{group}/instances/{id}/actions/{action}", h.instanceAction).Methods(http.MethodPost)
	s.HandleFunc("/groups/{group}/systems", h.systems).Methods(http.MethodGet)
	s.HandleFunc("/groups/{group}/overall-status", h.overallStatus).Methods(http.MethodPost)
	s.HandleFunc("/groups/{group}/attributes", h.mergeAttributes).Methods(http.MethodPost)
	s.HandleFunc("/groups/{group}/products", h.products).Methods(http.MethodGet)
	s.HandleFunc("/groups/{group}/fetch", h.fetch).Methods(http.MethodPost)
	s.HandleFunc("/groups/{group}/push", h.push).Methods(http.MethodPost)

	s.HandleFunc("/updates", h.updates).Methods(http.MethodGet)
	s.HandleFunc("/updates", h.importUpdate).Methods(http.MethodPost)
	s.HandleFunc("/updates/install", h.installUpdate).Methods(http.MethodPost)
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
				WriteJSON(w, http.StatusUnauthorized, errdefs.Response{Code: "unauthorized", Message: "invalid token"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) info(w http.ResponseWriter, r *http.Request) {
	info, err := h.backend.Info(r.Context())
	respond(w, info, err)
}

func (h *Handler) version(w http.ResponseWriter, r *http.Request) {
	v, err := h.backend.Version(r.Context())
	respond(w, VersionResponse{Version: v}, err)
}

func (h *Handler) nodeStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.backend.NodeStatus(r.Context())
	respond(w, status, err)
}

func (h *Handler) groupExists(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["group"]
	ok, err := h.backend.GroupExists(r.Context(), group)
	if err == nil && !ok {
		err = errdefs.NotFound("instance group %s not found", group)
	}
	respond(w, map[string]bool{"exists": ok}, err)
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	err := h.backend.CreateGroup(r.Context(), mux.Vars(r)["group"])
	respond(w, nil, err)
}

func (h *Handler) instanceKeys(w http.ResponseWriter, r *http.Request) {
	withConfig, _ := strconv.ParseBool(r.URL.Query().Get("config"))
	list, err := h.backend.ListInstanceKeys(r.Context(), mux.Vars(r)["group"], withConfig)
	respond(w, list, err)
}

func (h *Handler) instances(w http.ResponseWriter, r *http.Request) {
	latest, _ := strconv.ParseBool(r.URL.Query().Get("latest"))
	list, err := h.backend.ListInstanceConfigurations(r.Context(), mux.Vars(r)["group"], latest)
	respond(w, list, err)
}

func (h *Handler) deleteInstance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	respond(w, nil, h.backend.DeleteInstance(r.Context(), vars["group"], vars["id"]))
}

func (h *Handler) instanceAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	action, err := types.ParseInstanceAction(vars["action"])
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, errdefs.Response{Code: "bad_request", Message: err.Error()})
		return
	}
	respond(w, nil, h.backend.InstanceAction(r.Context(), vars["group"], vars["id"], action))
}

func (h *Handler) systems(w http.ResponseWriter, r *http.Request) {
	list, err := h.backend.ListSystems(r.Context(), mux.Vars(r)["group"])
	respond(w, list, err)
}

func (h *Handler) overallStatus(w http.ResponseWriter, r *http.Request) {
	respond(w, nil, h.backend.UpdateOverallStatus(r.Context(), mux.Vars(r)["group"]))
}

func (h *Handler) mergeAttributes(w http.ResponseWriter, r *http.Request) {
	var descriptors []types.AttributeDescriptor
	if !decodeJSON(w, r, &descriptors) {
		return
	}
	respond(w, nil, h.backend.MergeAttributes(r.Context(), mux.Vars(r)["group"], descriptors))
}

func (h *Handler) products(w http.ResponseWriter, r *http.Request) {
	list, err := h.backend.ListProducts(r.Context(), mux.Vars(r)["group"])
	respond(w, list, err)
}

func (h *Handler) fetch(w http.ResponseWriter, r *http.Request) {
	var req FetchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	bundle, err := h.backend.Export(r.Context(), mux.Vars(r)["group"], req.Keys, req.WithMeta)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeCBOR(w, bundle)
}

func (h *Handler) push(w http.ResponseWriter, r *http.Request) {
	bundle, ok := readBundle(w, r)
	if !ok {
		return
	}
	stats, err := h.backend.Import(r.Context(), mux.Vars(r)["group"], bundle)
	respond(w, stats, err)
}

func (h *Handler) updates(w http.ResponseWriter, r *http.Request) {
	keys, err := h.backend.ListUpdatePackages(r.Context())
	respond(w, keys, err)
}

func (h *Handler) importUpdate(w http.ResponseWriter, r *http.Request) {
	bundle, ok := readBundle(w, r)
	if !ok {
		return
	}
	stats, err := h.backend.ImportUpdate(r.Context(), bundle)
	respond(w, stats, err)
}

func (h *Handler) installUpdate(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	respond(w, nil, h.backend.InstallUpdate(r.Context(), req.Keys))
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		WriteError(w, err)
		return
	}
	if v == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

// WriteJSON writes v with status code
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the classified form of err
func WriteError(w http.ResponseWriter, err error) {
	code, body := errdefs.ToResponse(err)
	if code >= http.StatusInternalServerError {
		logger := log.WithComponent("managed")
		logger.Error().Err(err).Msg("Request failed")
	}
	WriteJSON(w, code, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteJSON(w, http.StatusBadRequest, errdefs.Response{Code: "bad_request", Message: err.Error()})
		return false
	}
	return true
}

func writeCBOR(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", codec.ContentType)
	w.WriteHeader(http.StatusOK)
	_ = codec.NewEncoder(w).Encode(v)
}

func readBundle(w http.ResponseWriter, r *http.Request) (*storage.Bundle, bool) {
	var bundle storage.Bundle
	if err := codec.NewDecoder(r.Body).Decode(&bundle); err != nil {
		WriteJSON(w, http.StatusBadRequest, errdefs.Response{Code: "bad_request", Message: err.Error()})
		return nil, false
	}
	return &bundle, true
}
