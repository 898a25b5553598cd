package remote

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/managed"
	"github.com/cuemby/backplane/pkg/storage"
	"github.com/cuemby/backplane/pkg/types"
	"github.com/gorilla/mux"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	backend *managed.Backend
	server  *httptest.Server
	client  Client
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	backend := managed.NewBackend(store, managed.Config{Name: "site-1", Version: "1.4.0", Minions: []string{"node-a"}})
	r := mux.NewRouter()
	managed.NewHandler(backend, token).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	client, err := NewHTTPFactory(5*time.Second).ClientFor(&types.ManagedMasterRecord{
		HostName: "site-1", URI: srv.URL, AuthToken: token,
	})
	require.NoError(t, err)
	return &fixture{backend: backend, server: srv, client: client}
}

func TestHTTPClientBackendInfo(t *testing.T) {
	f := newFixture(t, "tok")
	ctx := context.Background()

	info, err := f.client.BackendInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ModeManaged, info.Mode)
	assert.Equal(t, "1.4.0", info.Version)

	v, err := f.client.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", v)

	nodes, err := f.client.NodeStatus(ctx)
	require.NoError(t, err)
	assert.Contains(t, nodes, "master")
	assert.Contains(t, nodes, "node-a")
}

func TestHTTPClientRejectsBadToken(t *testing.T) {
	f := newFixture(t, "tok")
	client, err := NewHTTPFactory(time.Second).ClientFor(&types.ManagedMasterRecord{
		HostName: "site-1", URI: f.server.URL, AuthToken: "wrong",
	})
	require.NoError(t, err)

	_, err = client.BackendInfo(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, errdefs.ErrUpstreamUnreachable))
}

func TestHTTPClientGroupsAndInstances(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	ok, err := f.client.GroupExists(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.client.ListSystems(ctx, "acme")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))

	require.NoError(t, f.client.CreateGroup(ctx, "acme"))
	ok, err = f.client.GroupExists(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.backend.PutInstance(ctx, "acme", types.InstanceConfiguration{ID: "a", Name: "A"})
	require.NoError(t, err)
	_, err = f.backend.PutInstance(ctx, "acme", types.InstanceConfiguration{ID: "a", Name: "A v2"})
	require.NoError(t, err)

	keys, err := f.client.ListInstanceKeys(ctx, "acme", false)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.Empty(t, keys[0].Config.Name)

	latest, err := f.client.ListInstanceConfigurations(ctx, "acme", true)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "A v2", latest[0].Config.Name)

	require.NoError(t, f.client.InstanceAction(ctx, "acme", "a", types.ActionStart))
	err = f.client.InstanceAction(ctx, "acme", "missing", types.ActionStart)
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))

	require.NoError(t, f.client.DeleteInstance(ctx, "acme", "a"))
	keys, err = f.client.ListInstanceKeys(ctx, "acme", false)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestHTTPClientLegacyServer(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.client.CreateGroup(ctx, "acme"))
	f.backend.SetLegacyOnly(true)

	_, err := f.client.ListInstanceKeys(ctx, "acme", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrVersionIncompatible))

	_, err = f.client.ListInstanceConfigurations(ctx, "acme", false)
	assert.NoError(t, err)
}

func TestHTTPClientFetchPush(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.client.CreateGroup(ctx, "acme"))

	key, err := f.backend.PutInstance(ctx, "acme", types.InstanceConfiguration{ID: "a"})
	require.NoError(t, err)
	require.NoError(t, f.client.InstanceAction(ctx, "acme", "a", types.ActionStop))

	bundle, err := f.client.Fetch(ctx, "acme", []types.ManifestKey{key}, true)
	require.NoError(t, err)
	assert.Len(t, bundle.Manifests, 2, "root plus state meta")

	require.NoError(t, f.client.CreateGroup(ctx, "copy"))
	stats, err := f.client.Push(ctx, "copy", bundle)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Manifests)

	_, err = f.client.Fetch(ctx, "acme", []types.ManifestKey{{Name: "instances/zzz", Tag: "1"}}, false)
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestHTTPClientUnreachable(t *testing.T) {
	f := newFixture(t, "")
	f.server.Close()

	_, err := f.client.BackendInfo(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrUpstreamUnreachable))
}

func TestHTTPClientBreakerOpens(t *testing.T) {
	f := newFixture(t, "")
	f.server.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = f.client.BackendInfo(ctx)
	}
	_, err := f.client.BackendInfo(ctx)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.True(t, errors.Is(err, errdefs.ErrUpstreamUnreachable))
}

func TestHTTPFactoryInvalidURI(t *testing.T) {
	_, err := NewHTTPFactory(time.Second).ClientFor(&types.ManagedMasterRecord{HostName: "x", URI: "not a uri"})
	assert.Error(t, err)
}
