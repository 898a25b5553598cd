package bulk

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/events"
	"github.com/cuemby/backplane/pkg/managed"
	"github.com/cuemby/backplane/pkg/manager"
	"github.com/cuemby/backplane/pkg/remote"
	"github.com/cuemby/backplane/pkg/storage"
	"github.com/cuemby/backplane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerBoundsParallelism(t *testing.T) {
	var running, peak atomic.Int32
	ids := []string{"a", "b", "c", "d", "e", "f"}

	out := NewRunner(2).Run(context.Background(), ids, func(ctx context.Context, id string) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		if id == "c" {
			return errdefs.NotFound("instance %s", id)
		}
		return nil
	})

	require.Len(t, out, len(ids))
	assert.LessOrEqual(t, peak.Load(), int32(2))
	for i, o := range out {
		assert.Equal(t, ids[i], o.ID)
	}
	assert.False(t, out[2].OK())
	assert.Equal(t, "not_found", out[2].Kind)
	assert.True(t, out[3].OK(), "a failure does not cancel other items")
}

func TestRunnerCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	out := NewRunner(0).Run(ctx, []string{"a"}, func(ctx context.Context, id string) error {
		calls.Add(1)
		return nil
	})
	assert.Zero(t, calls.Load())
	assert.ErrorIs(t, out[0].Err(), context.Canceled)
}

type fixture struct {
	ctx      context.Context
	m        *manager.Manager
	sites    map[string]*managed.Backend
	recorder *events.Recorder
	ops      *Operations
}

func newStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// newFixture attaches one managed server per entry of layout, holding the
// listed instances, and synchronizes them
func newFixture(t *testing.T, layout map[string][]string) *fixture {
	t.Helper()
	ctx := context.Background()
	remotes := remote.NewLocalFactory()
	m, err := manager.NewManager(&manager.Config{Version: "1.0.0", Store: newStore(t), Remotes: remotes})
	require.NoError(t, err)
	require.NoError(t, m.CreateInstanceGroup(ctx, types.InstanceGroupConfiguration{Name: "acme"}))

	f := &fixture{ctx: ctx, m: m, sites: make(map[string]*managed.Backend), recorder: &events.Recorder{}}
	for name, ids := range layout {
		b := managed.NewBackend(newStore(t), managed.Config{Name: name, Version: "1.0.0"})
		require.NoError(t, b.CreateGroup(ctx, "acme"))
		for _, id := range ids {
			_, err := b.PutInstance(ctx, "acme", types.InstanceConfiguration{ID: id, Name: id})
			require.NoError(t, err)
		}
		remotes.Add(name, b)
		f.sites[name] = b

		_, err := m.ManualAttach(ctx, "acme", types.ManagedMasterDescriptor{HostName: name, URI: "https://" + name + ".example.com"})
		require.NoError(t, err)
		_, err = m.Synchronize(ctx, "acme", name)
		require.NoError(t, err)
	}
	f.ops = NewOperations(&countingEngine{Manager: m}, NewRunner(2), f.recorder)
	return f
}

// countingEngine counts synchronizations
type countingEngine struct {
	*manager.Manager
	syncs atomic.Int32
}

func (e *countingEngine) Synchronize(ctx context.Context, group, server string) (*types.SyncResult, error) {
	e.syncs.Add(1)
	return e.Manager.Synchronize(ctx, group, server)
}

func (f *fixture) engine() *countingEngine { return f.ops.engine.(*countingEngine) }

func TestStartSynchronizesEachServerOnce(t *testing.T) {
	f := newFixture(t, map[string][]string{
		"site-1": {"a", "b"},
		"site-2": {"c"},
	})

	report, err := f.ops.Start(f.ctx, "acme", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Empty(t, report.Failed())
	assert.Equal(t, []string{"site-1", "site-2"}, report.Synchronized)
	assert.Equal(t, int32(2), f.engine().syncs.Load())
	assert.Len(t, f.recorder.Events(events.EventInstanceActionIssued), 3)

	views, err := f.m.ListInstances(f.ctx, "acme")
	require.NoError(t, err)
	for _, v := range views {
		require.NotNil(t, v.State, v.Config.ID)
		assert.Equal(t, types.StatusRunning, v.State.Status, v.Config.ID)
	}
}

func TestDeleteRemovesLocalCopies(t *testing.T) {
	f := newFixture(t, map[string][]string{"site-1": {"a", "b"}})

	report, err := f.ops.Delete(f.ctx, "acme", []string{"a"})
	require.NoError(t, err)
	assert.Empty(t, report.Failed())

	views, err := f.m.ListInstances(f.ctx, "acme")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "b", views[0].Config.ID)

	keys, err := f.sites["site-1"].ListInstanceKeys(f.ctx, "acme", false)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestPartialFailure(t *testing.T) {
	f := newFixture(t, map[string][]string{"site-1": {"a"}})

	report, err := f.ops.Stop(f.ctx, "acme", []string{"a", "ghost"})
	require.NoError(t, err)
	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "ghost", failed[0].ID)
	assert.True(t, errors.Is(failed[0].Err(), errdefs.ErrNotFound))
	assert.Equal(t, []string{"site-1"}, report.Synchronized)
}

func TestNoSynchronizationWithoutSuccess(t *testing.T) {
	f := newFixture(t, map[string][]string{"site-1": {"a"}})
	before := f.engine().syncs.Load()

	report, err := f.ops.Install(f.ctx, "acme", []string{"x", "y"})
	require.NoError(t, err)
	assert.Len(t, report.Failed(), 2)
	assert.Empty(t, report.Synchronized)
	assert.Equal(t, before, f.engine().syncs.Load())
}

func TestActionsMatchRequested(t *testing.T) {
	f := newFixture(t, map[string][]string{"site-1": {"a"}})
	for _, tt := range []struct {
		run  func(ctx context.Context, group string, ids []string) (*Report, error)
		want types.InstanceAction
	}{
		{f.ops.Start, types.ActionStart},
		{f.ops.Stop, types.ActionStop},
		{f.ops.Install, types.ActionInstall},
		{f.ops.Activate, types.ActionActivate},
	} {
		t.Run(fmt.Sprint(tt.want), func(t *testing.T) {
			report, err := tt.run(f.ctx, "acme", []string{"a"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, report.Action)
			assert.Empty(t, report.Failed())
		})
	}
}
