package managed

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/storage"
	"github.com/cuemby/backplane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T, cfg Config) *Backend {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	b := NewBackend(store, cfg)
	require.NoError(t, b.CreateGroup(context.Background(), "acme"))
	return b
}

func TestInfoDefaultsToManaged(t *testing.T) {
	b := newBackend(t, Config{Name: "site-1", Version: "1.0.0"})
	info, err := b.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ModeManaged, info.Mode)

	b.SetMode(types.ModeStandalone)
	b.SetConnectionCheckFailed(true)
	info, _ = b.Info(context.Background())
	assert.Equal(t, types.ModeStandalone, info.Mode)
	assert.True(t, info.ConnectionCheckFailed)
}

func TestInstanceListings(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, Config{})

	for _, name := range []string{"one", "two"} {
		_, err := b.PutInstance(ctx, "acme", types.InstanceConfiguration{ID: "a", Name: name})
		require.NoError(t, err)
	}
	_, err := b.PutInstance(ctx, "acme", types.InstanceConfiguration{ID: "b", Name: "b"})
	require.NoError(t, err)
	require.NoError(t, b.InstanceAction(ctx, "acme", "a", types.ActionStart))

	keys, err := b.ListInstanceKeys(ctx, "acme", false)
	require.NoError(t, err)
	assert.Len(t, keys, 3, "meta manifests are not listed")

	latest, err := b.ListInstanceConfigurations(ctx, "acme", true)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "two", latest[0].Config.Name)

	b.SetLegacyOnly(true)
	_, err = b.ListInstanceKeys(ctx, "acme", false)
	assert.True(t, errors.Is(err, errdefs.ErrVersionIncompatible))
}

func TestInstanceActionRecordsState(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, Config{})
	_, err := b.PutInstance(ctx, "acme", types.InstanceConfiguration{ID: "a"})
	require.NoError(t, err)

	tests := []struct {
		action types.InstanceAction
		want   types.OverallStatus
	}{
		{types.ActionInstall, types.StatusInstalled},
		{types.ActionStart, types.StatusRunning},
		{types.ActionStop, types.StatusStopped},
	}
	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			require.NoError(t, b.InstanceAction(ctx, "acme", "a", tt.action))

			r, err := b.store.View("acme")
			require.NoError(t, err)
			key, ok, err := storage.LatestKey(r, types.MetaManifestName(types.InstanceManifestName("a"), types.InstanceStateMeta))
			require.NoError(t, err)
			require.True(t, ok)

			var state types.InstanceOverallState
			require.NoError(t, storage.LoadDocument(r, key, &state))
			assert.Equal(t, tt.want, state.Status)
		})
	}

	require.NoError(t, b.InstanceAction(ctx, "acme", "a", types.ActionDelete))
	err = b.InstanceAction(ctx, "acme", "a", types.ActionStart)
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
	err = b.DeleteInstance(ctx, "acme", "a")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestUpdateOverallStatusFillsMissingStates(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, Config{})
	_, err := b.PutInstance(ctx, "acme", types.InstanceConfiguration{ID: "a"})
	require.NoError(t, err)
	_, err = b.PutInstance(ctx, "acme", types.InstanceConfiguration{ID: "b"})
	require.NoError(t, err)
	require.NoError(t, b.InstanceAction(ctx, "acme", "b", types.ActionStart))

	require.NoError(t, b.UpdateOverallStatus(ctx, "acme"))
	require.NoError(t, b.UpdateOverallStatus(ctx, "acme"))

	r, _ := b.store.View("acme")
	keys, err := r.ListManifestKeys(types.InstancePrefix)
	require.NoError(t, err)

	var meta []types.ManifestKey
	for _, k := range keys {
		if types.IsMetaManifest(k.Name) {
			meta = append(meta, k)
		}
	}
	assert.Len(t, meta, 2, "one state each, b keeps its own")
}

func TestMergeAttributes(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, Config{})

	require.NoError(t, b.MergeAttributes(ctx, "acme", []types.AttributeDescriptor{{Name: "region"}}))
	require.NoError(t, b.MergeAttributes(ctx, "acme", []types.AttributeDescriptor{{Name: "region", Description: "Region"}, {Name: "tier"}}))

	r, _ := b.store.View("acme")
	key, ok, err := storage.LatestKey(r, types.GroupAttributesName)
	require.NoError(t, err)
	require.True(t, ok)

	var attrs types.InstanceGroupAttributes
	require.NoError(t, storage.LoadDocument(r, key, &attrs))
	assert.Equal(t, []types.AttributeDescriptor{{Name: "region", Description: "Region"}, {Name: "tier"}}, attrs.Descriptors)
}

func TestProducts(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, Config{})
	require.NoError(t, b.PutProduct(ctx, "acme", types.ProductKey{Name: "shop", Version: "2.0.0"}))
	require.NoError(t, b.PutProduct(ctx, "acme", types.ProductKey{Name: "shop", Version: "1.9.0"}))

	products, err := b.ListProducts(ctx, "acme")
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.ProductKey{
		{Name: "shop", Version: "1.9.0"},
		{Name: "shop", Version: "2.0.0"},
	}, products)
}

func TestUpdatePackages(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, Config{Version: "1.0.0"})

	keys, err := b.ListUpdatePackages(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	// build a package in a scratch repository
	scratch := newBackend(t, Config{})
	require.NoError(t, scratch.store.CreateGroup(types.SoftwareGroup))
	key := types.ManifestKey{Name: types.SoftwarePrefix + "linux-amd64", Tag: "1.1.0"}
	require.NoError(t, storage.Update(scratch.store, types.SoftwareGroup, func(tx *storage.Tx) error {
		return storage.PutDocument(tx, key, types.KindSoftware, map[string]string{"os": "linux"})
	}))
	bundle, err := scratch.Export(ctx, types.SoftwareGroup, []types.ManifestKey{key}, false)
	require.NoError(t, err)

	_, err = b.ImportUpdate(ctx, bundle)
	require.NoError(t, err)
	keys, err = b.ListUpdatePackages(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.ManifestKey{key}, keys)

	err = b.InstallUpdate(ctx, []types.ManifestKey{{Name: key.Name, Tag: "9.9.9"}})
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))

	require.NoError(t, b.InstallUpdate(ctx, []types.ManifestKey{key}))
	v, _ := b.Version(ctx)
	assert.Equal(t, "1.1.0", v)
}
