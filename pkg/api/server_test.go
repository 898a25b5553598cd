package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/backplane/pkg/bulk"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/managed"
	"github.com/cuemby/backplane/pkg/manager"
	"github.com/cuemby/backplane/pkg/remote"
	"github.com/cuemby/backplane/pkg/storage"
	"github.com/cuemby/backplane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	t       *testing.T
	ctx     context.Context
	server  *Server
	site    *managed.Backend
	remotes *remote.LocalFactory
}

func newStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()
	store := newStore(t)
	remotes := remote.NewLocalFactory()
	m, err := manager.NewManager(&manager.Config{Version: "1.0.0", Store: store, Remotes: remotes})
	require.NoError(t, err)

	site := managed.NewBackend(newStore(t), managed.Config{Name: "site-1", Version: "1.0.0"})
	require.NoError(t, site.CreateGroup(ctx, "acme"))
	remotes.Add("site-1", site)

	return &apiFixture{
		t:       t,
		ctx:     ctx,
		site:    site,
		remotes: remotes,
		server: NewServer(Config{
			Manager: m,
			Bulk:    bulk.NewOperations(m, bulk.NewRunner(2), nil),
			Health:  NewHealthServer(store),
		}),
	}
}

func (f *apiFixture) do(method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, Prefix+path, &buf)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func (f *apiFixture) setup() {
	f.t.Helper()
	w := f.do(http.MethodPost, "/groups", types.InstanceGroupConfiguration{Name: "acme"})
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(http.MethodPost, "/groups/acme/servers", AttachRequest{
		ManagedMasterDescriptor: types.ManagedMasterDescriptor{
			HostName:  "site-1",
			URI:       "https://site-1.example.com",
			AuthToken: "secret",
		},
	})
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
}

func TestAttachAndSynchronize(t *testing.T) {
	f := newAPIFixture(t)
	f.setup()

	_, err := f.site.PutInstance(f.ctx, "acme", types.InstanceConfiguration{ID: "a", Name: "a"})
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/groups/acme/servers/site-1/sync", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[types.SyncResult](t, w)
	require.Len(t, res.Instances, 1)
	assert.Equal(t, types.InstanceManifestName("a"), res.Instances[0].Name)
	assert.Empty(t, res.Server.AuthToken, "credentials never leave the central")

	w = f.do(http.MethodGet, "/groups/acme/instances", nil)
	require.Equal(t, http.StatusOK, w.Code)
	views := decode[[]manager.InstanceView](t, w)
	require.Len(t, views, 1)
	assert.Equal(t, "a", views[0].Config.ID)

	w = f.do(http.MethodGet, "/groups/acme/instances/a/server", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "site-1", decode[types.ManagedMasterRecord](t, w).HostName)

	w = f.do(http.MethodGet, "/groups/acme/servers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]types.ManagedMasterRecord](t, w), 1)
}

func TestErrorClassification(t *testing.T) {
	f := newAPIFixture(t)
	f.setup()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown group", http.MethodGet, "/groups/nope/servers", nil, http.StatusNotFound, "not_found"},
		{"unknown server", http.MethodPost, "/groups/acme/servers/site-9/sync", nil, http.StatusNotFound, "not_found"},
		{"duplicate group", http.MethodPost, "/groups", types.InstanceGroupConfiguration{Name: "acme"}, http.StatusConflict, "conflict"},
		{"invalid group name", http.MethodPost, "/groups", types.InstanceGroupConfiguration{Name: "Not Valid!"}, http.StatusBadRequest, "invalid_argument"},
		{"unknown action", http.MethodPost, "/groups/acme/instances/actions/explode", BulkRequest{IDs: []string{"a"}}, http.StatusBadRequest, "invalid_argument"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[errdefs.Response](t, w).Code)
		})
	}
}

func TestMalformedBody(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodPost, Prefix+"/groups", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBulkAction(t *testing.T) {
	f := newAPIFixture(t)
	f.setup()
	_, err := f.site.PutInstance(f.ctx, "acme", types.InstanceConfiguration{ID: "a", Name: "a"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/groups/acme/servers/site-1/sync", nil).Code)

	w := f.do(http.MethodPost, "/groups/acme/instances/actions/start", BulkRequest{IDs: []string{"a", "ghost"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[bulk.Report](t, w)
	assert.Equal(t, types.ActionStart, report.Action)
	require.Len(t, report.Outcomes, 2)
	assert.Empty(t, report.Outcomes[0].Error)
	assert.Equal(t, "not_found", report.Outcomes[1].Kind)
	assert.Equal(t, []string{"site-1"}, report.Synchronized)
}

func TestDetach(t *testing.T) {
	f := newAPIFixture(t)
	f.setup()

	w := f.do(http.MethodDelete, "/groups/acme/servers/site-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = f.do(http.MethodGet, "/groups/acme/servers/site-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestManagedRoutesMounted(t *testing.T) {
	site := managed.NewBackend(newStore(t), managed.Config{Name: "site-1", Version: "1.0.0"})
	s := NewServer(Config{Managed: managed.NewHandler(site, "")})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, managed.APIPrefix+"/version", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, Prefix+"/groups", nil))
	assert.Equal(t, http.StatusNotFound, w.Code, "central routes are absent on a managed node")
}
