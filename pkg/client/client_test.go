package client

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/backplane/pkg/api"
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

func newStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// newCentral serves a central node with one reachable managed server,
// site-1, holding group acme
func newCentral(t *testing.T) (*Client, *managed.Backend) {
	t.Helper()
	remotes := remote.NewLocalFactory()
	m, err := manager.NewManager(&manager.Config{Version: "1.0.0", Store: newStore(t), Remotes: remotes})
	require.NoError(t, err)

	site := managed.NewBackend(newStore(t), managed.Config{Name: "site-1", Version: "1.0.0"})
	require.NoError(t, site.CreateGroup(context.Background(), "acme"))
	remotes.Add("site-1", site)

	srv := httptest.NewServer(api.NewServer(api.Config{
		Manager: m,
		Bulk:    bulk.NewOperations(m, nil, nil),
	}).Handler())
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	return c, site
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		addr    string
		want    string
		wantErr bool
	}{
		{addr: "central:8080", want: "http://central:8080/api/v1"},
		{addr: "https://central.example.com/", want: "https://central.example.com/api/v1"},
		{addr: "http://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			c, err := NewClient(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.baseURL)
		})
	}
}

func TestFleetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, site := newCentral(t)

	require.NoError(t, c.CreateGroup(ctx, types.InstanceGroupConfiguration{Name: "acme"}))
	groups, err := c.ListGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, groups)

	rec, err := c.Attach(ctx, "acme", types.ManagedMasterDescriptor{
		HostName:  "site-1",
		URI:       "https://site-1.example.com",
		AuthToken: "secret",
	}, true)
	require.NoError(t, err)
	assert.Equal(t, "site-1", rec.HostName)
	assert.Empty(t, rec.AuthToken)

	_, err = site.PutInstance(ctx, "acme", types.InstanceConfiguration{ID: "a", Name: "a"})
	require.NoError(t, err)

	res, err := c.Synchronize(ctx, "acme", "site-1")
	require.NoError(t, err)
	assert.Len(t, res.Instances, 1)

	owner, err := c.ServerForInstance(ctx, "acme", "a", "")
	require.NoError(t, err)
	assert.Equal(t, "site-1", owner.HostName)

	report, err := c.InstanceAction(ctx, "acme", types.ActionStop, []string{"a"})
	require.NoError(t, err)
	assert.Empty(t, report.Failed())

	views, err := c.ListInstances(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.NotNil(t, views[0].State)
	assert.Equal(t, types.StatusStopped, views[0].State.Status)

	ping, err := c.Ping(ctx, "acme", "site-1")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", ping.Version)

	require.NoError(t, c.SynchronizeAll(ctx))
}

func TestClassifiedErrors(t *testing.T) {
	ctx := context.Background()
	c, _ := newCentral(t)
	require.NoError(t, c.CreateGroup(ctx, types.InstanceGroupConfiguration{Name: "acme"}))

	err := c.CreateGroup(ctx, types.InstanceGroupConfiguration{Name: "acme"})
	assert.True(t, errors.Is(err, errdefs.ErrConflict), "got %v", err)

	_, err = c.GetServer(ctx, "acme", "site-9")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound), "got %v", err)

	err = c.Detach(ctx, "acme", "site-9")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound), "got %v", err)

	_, err = c.InstanceAction(ctx, "acme", "explode", []string{"a"})
	assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument), "got %v", err)
}
