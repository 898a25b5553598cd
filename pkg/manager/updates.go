package manager

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/log"
	"github.com/cuemby/backplane/pkg/remote"
	"github.com/cuemby/backplane/pkg/storage"
	"github.com/cuemby/backplane/pkg/types"
	"github.com/hashicorp/go-multierror"
)

// UpdatePackage is the payload of a software update package
type UpdatePackage struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Version string `json:"version"`
	Payload []byte `json:"payload"`
}

// AddUpdatePackage stores an update package in the software group
func (m *Manager) AddUpdatePackage(ctx context.Context, pkg UpdatePackage) (types.ManifestKey, error) {
	if pkg.OS == "" || pkg.Arch == "" || pkg.Version == "" {
		return types.ManifestKey{}, errdefs.InvalidArgument(errors.New("os, arch and version are required"), "update package")
	}
	if err := m.store.CreateGroup(types.SoftwareGroup); err != nil {
		return types.ManifestKey{}, err
	}
	key := types.ManifestKey{Name: types.SoftwarePrefix + pkg.OS + "-" + pkg.Arch, Tag: pkg.Version}
	err := m.locks.WithWrite(types.SoftwareGroup, func() error {
		return storage.Update(m.store, types.SoftwareGroup, func(tx *storage.Tx) error {
			return storage.PutDocument(tx, key, types.KindSoftware, pkg)
		})
	})
	return key, err
}

// TransferUpdate pushes update packages to server. With no keys the
// packages recorded as still missing on the server are sent.
func (m *Manager) TransferUpdate(ctx context.Context, group, server string, keys []types.ManifestKey) (types.TransferStats, error) {
	var stats types.TransferStats
	if err := m.requireCentral(); err != nil {
		return stats, err
	}
	if err := m.requireGroup(group); err != nil {
		return stats, err
	}

	err := m.locks.WithWrite(group, func() error {
		return storage.Update(m.store, group, func(tx *storage.Tx) error {
			rec, client, err := m.clientFor(tx, server)
			if err != nil {
				return err
			}
			if len(keys) == 0 && rec.Update != nil {
				keys = rec.Update.PackagesToTransfer
			}
			if len(keys) == 0 {
				return errdefs.NotFound("no update packages to transfer to %s", server)
			}

			sw, err := m.store.View(types.SoftwareGroup)
			if err != nil {
				return err
			}
			bundle, err := storage.Export(sw, keys, false)
			if err != nil {
				return err
			}
			stats, err = client.TransferUpdate(ctx, bundle)
			if err != nil {
				return err
			}

			if rec.Update != nil && rec.Update.UpdateVersion != "" {
				if err := m.planPackages(ctx, client, rec.Update); err != nil {
					return err
				}
			}
			return m.registry.Put(tx, rec)
		})
	})
	if err != nil {
		return stats, err
	}
	logger := log.WithServer(group, server)
	logger.Info().Int("manifests", stats.Manifests).Int64("bytes", stats.Bytes).Msg("Update packages transferred")
	return stats, nil
}

// InstallUpdate asks server to install update packages, then
// synchronizes it so the record reflects the new version. With no keys
// the packages recorded as installable are used.
func (m *Manager) InstallUpdate(ctx context.Context, group, server string, keys []types.ManifestKey) (*types.SyncResult, error) {
	if err := m.requireCentral(); err != nil {
		return nil, err
	}
	if err := m.requireGroup(group); err != nil {
		return nil, err
	}

	err := m.locks.WithRead(group, func() error {
		r, err := m.store.View(group)
		if err != nil {
			return err
		}
		rec, client, err := m.clientFor(r, server)
		if err != nil {
			return err
		}
		if len(keys) == 0 && rec.Update != nil {
			keys = rec.Update.PackagesToInstall
		}
		if len(keys) == 0 {
			return errdefs.NotFound("no update packages to install on %s", server)
		}
		return client.InstallUpdate(ctx, keys)
	})
	if err != nil {
		return nil, err
	}
	logger := log.WithServer(group, server)
	logger.Info().Int("packages", len(keys)).Msg("Update installed")
	return m.Synchronize(ctx, group, server)
}

// PingServer performs a round-trip to server
func (m *Manager) PingServer(ctx context.Context, group, server string) (types.PingResult, error) {
	var res types.PingResult
	if err := m.requireCentral(); err != nil {
		return res, err
	}
	if err := m.requireGroup(group); err != nil {
		return res, err
	}

	var client remote.Client
	err := m.withReadLock(group, func() error {
		r, err := m.store.View(group)
		if err != nil {
			return err
		}
		_, client, err = m.clientFor(r, server)
		return err
	})
	if err != nil {
		return res, err
	}

	start := m.clock.Now()
	info, err := client.BackendInfo(ctx)
	if err != nil {
		return res, err
	}
	return types.PingResult{Version: info.Version, Mode: info.Mode, Latency: m.clock.Since(start)}, nil
}

func (m *Manager) clientFor(r storage.Reader, server string) (*types.ManagedMasterRecord, remote.Client, error) {
	rec, err := m.registry.Get(r, server)
	if err != nil {
		return nil, nil, err
	}
	client, err := m.remotes.ClientFor(rec)
	if err != nil {
		return nil, nil, err
	}
	return rec, client, nil
}

// SynchronizeAll synchronizes every attached server of every group. A
// failing server does not stop the others; all failures are returned
// together.
func (m *Manager) SynchronizeAll(ctx context.Context) error {
	if err := m.requireCentral(); err != nil {
		return err
	}
	groups, err := m.ListGroups()
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, group := range groups {
		servers, err := m.GetManagedServers(ctx, group)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "group %s", group))
			continue
		}
		for _, rec := range servers {
			if err := ctx.Err(); err != nil {
				return multierror.Append(result, err).ErrorOrNil()
			}
			if _, err := m.Synchronize(ctx, group, rec.HostName); err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "%s/%s", group, rec.HostName))
			}
		}
	}
	return result.ErrorOrNil()
}
