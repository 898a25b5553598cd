package managed

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/lock"
	"github.com/cuemby/backplane/pkg/log"
	"github.com/cuemby/backplane/pkg/storage"
	"github.com/cuemby/backplane/pkg/types"
	"github.com/cuemby/backplane/pkg/version"
	"github.com/rs/zerolog"
)

// Config holds the identity and self-check state of a managed server
type Config struct {
	Name    string
	Mode    types.Mode
	Version string
	OS      string
	Arch    string
	// Minions lists the nodes of this server; the server itself is always
	// reported as "master"
	Minions []string
	// ConnectionCheckFailed mirrors the server's internal connectivity
	// self-check
	ConnectionCheckFailed bool
	// LegacyOnly rejects keys-only instance listing the way servers that
	// predate it do
	LegacyOnly bool
}

// Backend is the managed side of synchronization. It serves the calls a
// central node makes over a managed server's own repository.
type Backend struct {
	store  storage.Store
	locks  *lock.Service
	logger zerolog.Logger

	mu  sync.RWMutex
	cfg Config
}

// NewBackend creates a backend over store
func NewBackend(store storage.Store, cfg Config) *Backend {
	if cfg.Mode == "" {
		cfg.Mode = types.ModeManaged
	}
	return &Backend{
		store:  store,
		locks:  lock.NewService(),
		logger: log.WithComponent("managed"),
		cfg:    cfg,
	}
}

func (b *Backend) config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// SetMode switches the reported mode
func (b *Backend) SetMode(mode types.Mode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.Mode = mode
}

// SetConnectionCheckFailed sets the reported self-check result
func (b *Backend) SetConnectionCheckFailed(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.ConnectionCheckFailed = failed
}

// SetLegacyOnly toggles rejection of keys-only listings
func (b *Backend) SetLegacyOnly(legacy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.LegacyOnly = legacy
}

// Info returns what the server reports about itself
func (b *Backend) Info(ctx context.Context) (types.BackendInfo, error) {
	cfg := b.config()
	return types.BackendInfo{
		Name:                  cfg.Name,
		Mode:                  cfg.Mode,
		Version:               cfg.Version,
		ConnectionCheckFailed: cfg.ConnectionCheckFailed,
	}, nil
}

// Version returns the running version
func (b *Backend) Version(ctx context.Context) (string, error) {
	return b.config().Version, nil
}

// NodeStatus returns the state of every node of this server
func (b *Backend) NodeStatus(ctx context.Context) (map[string]types.MinionStatus, error) {
	cfg := b.config()
	now := time.Now().UTC()
	out := map[string]types.MinionStatus{
		"master": {Online: true, Version: cfg.Version, Info: cfg.OS + "/" + cfg.Arch, LastSeen: now},
	}
	for _, m := range cfg.Minions {
		out[m] = types.MinionStatus{Online: true, Version: cfg.Version, LastSeen: now}
	}
	return out, nil
}

// GroupExists reports whether the instance group exists locally
func (b *Backend) GroupExists(ctx context.Context, group string) (bool, error) {
	return b.store.HasGroup(group)
}

// CreateGroup creates an empty instance group
func (b *Backend) CreateGroup(ctx context.Context, group string) error {
	if err := b.store.CreateGroup(group); err != nil {
		return err
	}
	b.logger.Info().Str("group", group).Msg("Instance group created")
	return nil
}

// ListInstanceKeys lists every version of every instance root manifest
func (b *Backend) ListInstanceKeys(ctx context.Context, group string, includeConfig bool) ([]types.InstanceSummary, error) {
	if b.config().LegacyOnly {
		return nil, errdefs.VersionIncompatible("instance key listing is not supported by %s", b.config().Version)
	}
	return b.listInstances(group, false, includeConfig)
}

// ListInstanceConfigurations is the legacy listing returning full
// configurations
func (b *Backend) ListInstanceConfigurations(ctx context.Context, group string, latestOnly bool) ([]types.InstanceSummary, error) {
	return b.listInstances(group, latestOnly, true)
}

func (b *Backend) listInstances(group string, latestOnly, withConfig bool) ([]types.InstanceSummary, error) {
	r, err := b.store.View(group)
	if err != nil {
		return nil, err
	}
	keys, err := storage.ListRoots(r, types.InstancePrefix)
	if err != nil {
		return nil, err
	}
	if latestOnly {
		keys = types.LatestPerName(keys)
	}

	out := make([]types.InstanceSummary, 0, len(keys))
	for _, k := range keys {
		s := types.InstanceSummary{Key: k}
		if withConfig {
			if err := storage.LoadDocument(r, k, &s.Config); err != nil {
				return nil, err
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// ListSystems returns the latest version of every system
func (b *Backend) ListSystems(ctx context.Context, group string) ([]types.SystemSummary, error) {
	r, err := b.store.View(group)
	if err != nil {
		return nil, err
	}
	keys, err := storage.ListRoots(r, types.SystemPrefix)
	if err != nil {
		return nil, err
	}

	var out []types.SystemSummary
	for _, k := range types.LatestPerName(keys) {
		s := types.SystemSummary{Key: k}
		if err := storage.LoadDocument(r, k, &s.Config); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// UpdateOverallStatus records an UNKNOWN state for every instance that has
// none yet
func (b *Backend) UpdateOverallStatus(ctx context.Context, group string) error {
	return b.locks.WithWrite(group, func() error {
		return storage.Update(b.store, group, func(tx *storage.Tx) error {
			keys, err := storage.ListRoots(tx, types.InstancePrefix)
			if err != nil {
				return err
			}
			for _, k := range types.LatestPerName(keys) {
				name := types.MetaManifestName(k.Name, types.InstanceStateMeta)
				_, ok, err := storage.LatestKey(tx, name)
				if err != nil {
					return err
				}
				if ok {
					continue
				}
				state := types.InstanceOverallState{Status: types.StatusUnknown, Timestamp: time.Now().UTC()}
				if _, err := storage.PutNextDocument(tx, name, types.KindInstanceMeta, state); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// MergeAttributes merges descriptors into the group attributes
func (b *Backend) MergeAttributes(ctx context.Context, group string, descriptors []types.AttributeDescriptor) error {
	return b.locks.WithWrite(group, func() error {
		return storage.Update(b.store, group, func(tx *storage.Tx) error {
			var attrs types.InstanceGroupAttributes
			key, ok, err := storage.LatestKey(tx, types.GroupAttributesName)
			if err != nil {
				return err
			}
			if ok {
				if err := storage.LoadDocument(tx, key, &attrs); err != nil {
					return err
				}
			}
			attrs.Descriptors = types.MergeAttributeDescriptors(attrs.Descriptors, descriptors)
			_, err = storage.PutNextDocument(tx, types.GroupAttributesName, types.KindGroupAttributes, attrs)
			return err
		})
	})
}

// ListProducts returns every product version present in group
func (b *Backend) ListProducts(ctx context.Context, group string) ([]types.ProductKey, error) {
	r, err := b.store.View(group)
	if err != nil {
		return nil, err
	}
	keys, err := r.ListManifestKeys(types.ProductPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]types.ProductKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.ProductKey{Name: strings.TrimPrefix(k.Name, types.ProductPrefix), Version: k.Tag})
	}
	return out, nil
}

// Export bundles keys of group
func (b *Backend) Export(ctx context.Context, group string, keys []types.ManifestKey, withMeta bool) (*storage.Bundle, error) {
	r, err := b.store.View(group)
	if err != nil {
		return nil, err
	}
	return storage.Export(r, keys, withMeta)
}

// Import writes a bundle pushed by a central node
func (b *Backend) Import(ctx context.Context, group string, bundle *storage.Bundle) (types.TransferStats, error) {
	var stats types.TransferStats
	err := b.locks.WithWrite(group, func() error {
		return storage.Update(b.store, group, func(tx *storage.Tx) error {
			var err error
			stats, err = storage.Import(tx, bundle)
			return err
		})
	})
	return stats, err
}

// PutInstance stores a new version of an instance configuration
func (b *Backend) PutInstance(ctx context.Context, group string, cfg types.InstanceConfiguration) (types.ManifestKey, error) {
	return b.putNext(group, types.InstanceManifestName(cfg.ID), types.KindInstance, cfg)
}

// PutSystem stores a new version of a system configuration
func (b *Backend) PutSystem(ctx context.Context, group string, cfg types.SystemConfiguration) (types.ManifestKey, error) {
	return b.putNext(group, types.SystemManifestName(cfg.ID), types.KindSystem, cfg)
}

// PutProduct registers a product version
func (b *Backend) PutProduct(ctx context.Context, group string, p types.ProductKey) error {
	key := types.ManifestKey{Name: types.ProductPrefix + p.Name, Tag: p.Version}
	return b.locks.WithWrite(group, func() error {
		return storage.Update(b.store, group, func(tx *storage.Tx) error {
			return storage.PutDocument(tx, key, types.KindProduct, p)
		})
	})
}

func (b *Backend) putNext(group, name string, kind types.ManifestKind, v any) (types.ManifestKey, error) {
	var key types.ManifestKey
	err := b.locks.WithWrite(group, func() error {
		return storage.Update(b.store, group, func(tx *storage.Tx) error {
			var err error
			key, err = storage.PutNextDocument(tx, name, kind, v)
			return err
		})
	})
	return key, err
}

// InstanceAction records the requested state of an instance. Delete
// removes the instance.
func (b *Backend) InstanceAction(ctx context.Context, group, id string, action types.InstanceAction) error {
	if action == types.ActionDelete {
		return b.DeleteInstance(ctx, group, id)
	}

	var status types.OverallStatus
	switch action {
	case types.ActionStart:
		status = types.StatusRunning
	case types.ActionStop:
		status = types.StatusStopped
	case types.ActionInstall, types.ActionActivate:
		status = types.StatusInstalled
	default:
		return errors.Newf("unknown instance action %q", action)
	}

	name := types.InstanceManifestName(id)
	return b.locks.WithWrite(group, func() error {
		return storage.Update(b.store, group, func(tx *storage.Tx) error {
			_, ok, err := storage.LatestKey(tx, name)
			if err != nil {
				return err
			}
			if !ok {
				return errdefs.NotFound("instance %s not found in %s", id, group)
			}
			state := types.InstanceOverallState{
				Status:    status,
				Timestamp: time.Now().UTC(),
				Messages:  []string{"requested " + string(action)},
			}
			_, err = storage.PutNextDocument(tx, types.MetaManifestName(name, types.InstanceStateMeta), types.KindInstanceMeta, state)
			return err
		})
	})
}

// DeleteInstance removes every version of an instance
func (b *Backend) DeleteInstance(ctx context.Context, group, id string) error {
	return b.locks.WithWrite(group, func() error {
		return storage.Update(b.store, group, func(tx *storage.Tx) error {
			deleted, err := storage.DeleteAll(tx, types.InstanceManifestName(id))
			if err != nil {
				return err
			}
			if len(deleted) == 0 {
				return errdefs.NotFound("instance %s not found in %s", id, group)
			}
			return nil
		})
	})
}

// DeleteSystem removes every version of a system
func (b *Backend) DeleteSystem(ctx context.Context, group, id string) error {
	return b.locks.WithWrite(group, func() error {
		return storage.Update(b.store, group, func(tx *storage.Tx) error {
			_, err := storage.DeleteAll(tx, types.SystemManifestName(id))
			return err
		})
	})
}

// ListUpdatePackages lists the update packages present on this server
func (b *Backend) ListUpdatePackages(ctx context.Context) ([]types.ManifestKey, error) {
	ok, err := b.store.HasGroup(types.SoftwareGroup)
	if err != nil || !ok {
		return nil, err
	}
	r, err := b.store.View(types.SoftwareGroup)
	if err != nil {
		return nil, err
	}
	return r.ListManifestKeys(types.SoftwarePrefix)
}

// ImportUpdate stores transferred update packages
func (b *Backend) ImportUpdate(ctx context.Context, bundle *storage.Bundle) (types.TransferStats, error) {
	if err := b.store.CreateGroup(types.SoftwareGroup); err != nil {
		return types.TransferStats{}, err
	}
	return b.Import(ctx, types.SoftwareGroup, bundle)
}

// InstallUpdate switches the running version to the highest version among
// keys. Every key must have been transferred before.
func (b *Backend) InstallUpdate(ctx context.Context, keys []types.ManifestKey) error {
	if len(keys) == 0 {
		return errors.New("no update packages given")
	}
	r, err := b.store.View(types.SoftwareGroup)
	if err != nil {
		return err
	}
	versions := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, err := r.LoadManifest(k); err != nil {
			return err
		}
		versions = append(versions, k.Tag)
	}
	target, ok := version.Latest(versions)
	if !ok {
		return errors.Newf("update packages carry no valid version: %v", versions)
	}

	b.mu.Lock()
	previous := b.cfg.Version
	b.cfg.Version = target
	b.mu.Unlock()

	b.logger.Info().Str("from", previous).Str("to", target).Msg("Update installed")
	return nil
}
