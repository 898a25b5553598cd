package remote

import (
	"context"

	"github.com/cuemby/backplane/pkg/storage"
	"github.com/cuemby/backplane/pkg/types"
)

// Client is the central node's view of one managed server
type Client interface {
	BackendInfo(ctx context.Context) (types.BackendInfo, error)
	Version(ctx context.Context) (string, error)
	NodeStatus(ctx context.Context) (map[string]types.MinionStatus, error)

	GroupExists(ctx context.Context, group string) (bool, error)
	CreateGroup(ctx context.Context, group string) error

	// ListInstanceKeys lists instance root keys. Servers predating it fail
	// with errdefs.ErrVersionIncompatible.
	ListInstanceKeys(ctx context.Context, group string, includeConfig bool) ([]types.InstanceSummary, error)
	// ListInstanceConfigurations is the legacy full listing
	ListInstanceConfigurations(ctx context.Context, group string, latestOnly bool) ([]types.InstanceSummary, error)
	ListSystems(ctx context.Context, group string) ([]types.SystemSummary, error)
	UpdateOverallStatus(ctx context.Context, group string) error
	MergeAttributes(ctx context.Context, group string, descriptors []types.AttributeDescriptor) error
	ListProducts(ctx context.Context, group string) ([]types.ProductKey, error)

	Fetch(ctx context.Context, group string, keys []types.ManifestKey, withMeta bool) (*storage.Bundle, error)
	Push(ctx context.Context, group string, bundle *storage.Bundle) (types.TransferStats, error)

	InstanceAction(ctx context.Context, group, id string, action types.InstanceAction) error
	DeleteInstance(ctx context.Context, group, id string) error

	ListUpdatePackages(ctx context.Context) ([]types.ManifestKey, error)
	TransferUpdate(ctx context.Context, bundle *storage.Bundle) (types.TransferStats, error)
	InstallUpdate(ctx context.Context, keys []types.ManifestKey) error
}

// Factory creates clients for attached managed servers
type Factory interface {
	ClientFor(rec *types.ManagedMasterRecord) (Client, error)
}
