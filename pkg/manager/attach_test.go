package manager

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/events"
	"github.com/cuemby/backplane/pkg/managed"
	"github.com/cuemby/backplane/pkg/storage"
	"github.com/cuemby/backplane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAutoAttachSynchronizesExistingGroup(t *testing.T) {
	f := newFixture(t, "1.2.0")
	site := f.addServer("site-1", "1.2.0")
	f.putInstance(site, "a")

	rec, err := f.m.TryAutoAttach(f.ctx, "acme", descriptor("site-1"))
	require.NoError(t, err)
	assert.Equal(t, "site-1", rec.HostName)
	assert.Empty(t, rec.AuthToken)
	assert.True(t, rec.LastSync.Equal(t0))
	assert.Equal(t, []string{"a"}, f.centralInstances())
	assert.Len(t, f.recorder.Events(events.EventServerAttached), 1)
}

func TestTryAutoAttachCreatesMissingGroup(t *testing.T) {
	f := newFixture(t, "1.2.0")
	site := managed.NewBackend(newStore(t), managed.Config{Name: "site-1", Version: "1.2.0"})
	f.remotes.Add("site-1", site)

	rec, err := f.m.TryAutoAttach(f.ctx, "acme", descriptor("site-1"))
	require.NoError(t, err)
	assert.True(t, rec.LastSync.IsZero(), "no synchronization for a freshly created group")

	ok, err := site.GroupExists(f.ctx, "acme")
	require.NoError(t, err)
	assert.True(t, ok)

	bundle, err := site.Export(f.ctx, "acme", []types.ManifestKey{{Name: types.GroupDescriptorName, Tag: "1"}}, false)
	require.NoError(t, err)
	assert.Len(t, bundle.Manifests, 1, "group descriptor was pushed")
}

func TestTryAutoAttachConflict(t *testing.T) {
	f := newFixture(t, "1.2.0")
	f.addServer("site-1", "1.2.0")

	_, err := f.m.TryAutoAttach(f.ctx, "acme", descriptor("site-1"))
	require.NoError(t, err)

	_, err = f.m.TryAutoAttach(f.ctx, "acme", descriptor("site-1"))
	assert.True(t, errors.Is(err, errdefs.ErrConflict))
	_, err = f.m.ManualAttach(f.ctx, "acme", descriptor("site-1"))
	assert.True(t, errors.Is(err, errdefs.ErrConflict))
}

func TestTryAutoAttachRejects(t *testing.T) {
	tests := []struct {
		name  string
		desc  types.ManagedMasterDescriptor
		setup func(site *managed.Backend)
		is    error
	}{
		{
			name: "standalone server",
			desc: descriptor("site-1"),
			setup: func(site *managed.Backend) {
				site.SetMode(types.ModeStandalone)
			},
			is: errdefs.ErrServerStateConflict,
		},
		{
			name: "missing host name",
			desc: types.ManagedMasterDescriptor{URI: "https://site-1.example.com"},
			is:   errdefs.ErrInvalidArgument,
		},
		{
			name: "bad uri",
			desc: types.ManagedMasterDescriptor{HostName: "site-1", URI: "not a uri"},
			is:   errdefs.ErrInvalidArgument,
		},
		{
			name: "unreachable",
			desc: descriptor("site-9"),
			is:   errdefs.ErrUpstreamUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "1.2.0")
			site := f.addServer("site-1", "1.2.0")
			if tt.setup != nil {
				tt.setup(site)
			}

			_, err := f.m.TryAutoAttach(f.ctx, "acme", tt.desc)
			assert.True(t, errors.Is(err, tt.is), "got %v", err)

			servers, err := f.m.GetManagedServers(f.ctx, "acme")
			require.NoError(t, err)
			assert.Empty(t, servers)
		})
	}
}

func TestDeleteManagedServer(t *testing.T) {
	f := newFixture(t, "1.2.0")
	site := f.addServer("site-1", "1.2.0")
	f.putInstance(site, "a")
	_, err := site.PutSystem(f.ctx, "acme", types.SystemConfiguration{ID: "s1"})
	require.NoError(t, err)
	f.attach("site-1")
	_, err = f.m.Synchronize(f.ctx, "acme", "site-1")
	require.NoError(t, err)

	err = f.m.DeleteManagedServer(f.ctx, "acme", "site-1")
	assert.True(t, errors.Is(err, errdefs.ErrConflict))

	require.NoError(t, site.DeleteInstance(f.ctx, "acme", "a"))
	require.NoError(t, site.DeleteSystem(f.ctx, "acme", "s1"))
	_, err = f.m.Synchronize(f.ctx, "acme", "site-1")
	require.NoError(t, err)

	f.recorder.Reset()
	require.NoError(t, f.m.DeleteManagedServer(f.ctx, "acme", "site-1"))
	servers, err := f.m.GetManagedServers(f.ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, servers)
	assert.Len(t, f.recorder.Events(events.EventServerDetached), 1)
	assert.Len(t, f.recorder.Events(events.EventGroupServersChanged), 1)

	err = f.m.DeleteManagedServer(f.ctx, "acme", "site-1")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestDeleteManagedServerClearsStaleAssociations(t *testing.T) {
	f := newFixture(t, "1.2.0")
	site := f.addServer("site-1", "1.2.0")
	f.putInstance(site, "a")
	f.attach("site-1")
	_, err := f.m.Synchronize(f.ctx, "acme", "site-1")
	require.NoError(t, err)

	// local copy removed outside of a synchronization
	require.NoError(t, f.m.UpdateGroup("acme", func(tx *storage.Tx) error {
		_, err := storage.DeleteAll(tx, types.InstanceManifestName("a"))
		return err
	}))

	require.NoError(t, f.m.DeleteManagedServer(f.ctx, "acme", "site-1"))
	_, err = f.m.ControllingServer(f.ctx, "acme", "a")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestUpdateManagedServer(t *testing.T) {
	f := newFixture(t, "1.2.0")
	f.addServer("site-1", "1.2.0")
	f.attach("site-1")

	desc := "primary site"
	rec, err := f.m.UpdateManagedServer(f.ctx, "acme", "site-1", types.ManagedMasterUpdate{Description: &desc}, true)
	require.NoError(t, err)
	assert.Equal(t, "primary site", rec.Description)
	assert.Equal(t, "primary site", f.record("site-1").Description)

	bad := "::"
	_, err = f.m.UpdateManagedServer(f.ctx, "acme", "site-1", types.ManagedMasterUpdate{URI: &bad}, false)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument))

	f.remotes.Remove("site-1")
	other := "changed"
	_, err = f.m.UpdateManagedServer(f.ctx, "acme", "site-1", types.ManagedMasterUpdate{Description: &other}, true)
	assert.True(t, errors.Is(err, errdefs.ErrUpstreamUnreachable))
	assert.Equal(t, "primary site", f.record("site-1").Description)

	_, err = f.m.UpdateManagedServer(f.ctx, "acme", "nope", types.ManagedMasterUpdate{Description: &other}, false)
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}
