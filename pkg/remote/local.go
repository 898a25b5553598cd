package remote

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/backplane/pkg/codec"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/managed"
	"github.com/cuemby/backplane/pkg/storage"
	"github.com/cuemby/backplane/pkg/types"
)

// LocalClient calls a managed backend in the same process. Bundles are
// passed through the codec so neither side shares memory with the other.
type LocalClient struct {
	backend *managed.Backend
}

var _ Client = (*LocalClient)(nil)

// NewLocalClient wraps backend
func NewLocalClient(backend *managed.Backend) *LocalClient {
	return &LocalClient{backend: backend}
}

func (c *LocalClient) BackendInfo(ctx context.Context) (types.BackendInfo, error) {
	return c.backend.Info(ctx)
}

func (c *LocalClient) Version(ctx context.Context) (string, error) {
	return c.backend.Version(ctx)
}

func (c *LocalClient) NodeStatus(ctx context.Context) (map[string]types.MinionStatus, error) {
	return c.backend.NodeStatus(ctx)
}

func (c *LocalClient) GroupExists(ctx context.Context, group string) (bool, error) {
	return c.backend.GroupExists(ctx, group)
}

func (c *LocalClient) CreateGroup(ctx context.Context, group string) error {
	return c.backend.CreateGroup(ctx, group)
}

func (c *LocalClient) ListInstanceKeys(ctx context.Context, group string, includeConfig bool) ([]types.InstanceSummary, error) {
	return c.backend.ListInstanceKeys(ctx, group, includeConfig)
}

func (c *LocalClient) ListInstanceConfigurations(ctx context.Context, group string, latestOnly bool) ([]types.InstanceSummary, error) {
	return c.backend.ListInstanceConfigurations(ctx, group, latestOnly)
}

func (c *LocalClient) ListSystems(ctx context.Context, group string) ([]types.SystemSummary, error) {
	return c.backend.ListSystems(ctx, group)
}

func (c *LocalClient) UpdateOverallStatus(ctx context.Context, group string) error {
	return c.backend.UpdateOverallStatus(ctx, group)
}

func (c *LocalClient) MergeAttributes(ctx context.Context, group string, descriptors []types.AttributeDescriptor) error {
	return c.backend.MergeAttributes(ctx, group, descriptors)
}

func (c *LocalClient) ListProducts(ctx context.Context, group string) ([]types.ProductKey, error) {
	return c.backend.ListProducts(ctx, group)
}

func (c *LocalClient) Fetch(ctx context.Context, group string, keys []types.ManifestKey, withMeta bool) (*storage.Bundle, error) {
	b, err := c.backend.Export(ctx, group, keys, withMeta)
	if err != nil {
		return nil, err
	}
	return copyBundle(b)
}

func (c *LocalClient) Push(ctx context.Context, group string, bundle *storage.Bundle) (types.TransferStats, error) {
	b, err := copyBundle(bundle)
	if err != nil {
		return types.TransferStats{}, err
	}
	return c.backend.Import(ctx, group, b)
}

func (c *LocalClient) InstanceAction(ctx context.Context, group, id string, action types.InstanceAction) error {
	return c.backend.InstanceAction(ctx, group, id, action)
}

func (c *LocalClient) DeleteInstance(ctx context.Context, group, id string) error {
	return c.backend.DeleteInstance(ctx, group, id)
}

func (c *LocalClient) ListUpdatePackages(ctx context.Context) ([]types.ManifestKey, error) {
	return c.backend.ListUpdatePackages(ctx)
}

func (c *LocalClient) TransferUpdate(ctx context.Context, bundle *storage.Bundle) (types.TransferStats, error) {
	b, err := copyBundle(bundle)
	if err != nil {
		return types.TransferStats{}, err
	}
	return c.backend.ImportUpdate(ctx, b)
}

func (c *LocalClient) InstallUpdate(ctx context.Context, keys []types.ManifestKey) error {
	return c.backend.InstallUpdate(ctx, keys)
}

func copyBundle(b *storage.Bundle) (*storage.Bundle, error) {
	if b == nil {
		return nil, nil
	}
	data, err := codec.Marshal(b)
	if err != nil {
		return nil, err
	}
	var out storage.Bundle
	if err := codec.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LocalFactory resolves managed servers to in-process backends by host
// name
type LocalFactory struct {
	mu       sync.RWMutex
	backends map[string]*managed.Backend
}

// NewLocalFactory creates an empty factory
func NewLocalFactory() *LocalFactory {
	return &LocalFactory{backends: make(map[string]*managed.Backend)}
}

// Add makes backend reachable under name
func (f *LocalFactory) Add(name string, backend *managed.Backend) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backends[name] = backend
}

// ClientFor returns a client for rec
func (f *LocalFactory) ClientFor(rec *types.ManagedMasterRecord) (Client, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.backends[rec.HostName]
	if !ok {
		return nil, errdefs.Unreachable(errors.Newf("no backend named %s", rec.HostName), rec.HostName)
	}
	return NewLocalClient(b), nil
}

// Remove makes the backend named name unreachable
func (f *LocalFactory) Remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.backends, name)
}
